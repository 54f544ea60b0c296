package publish

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/janitor-ci/janitor/pkg/pubsub"
	"github.com/janitor-ci/janitor/pkg/store"
)

// ProposalStore is the slice of the SQL store the proposal-info
// manager needs.
type ProposalStore interface {
	GetProposalInfo(ctx context.Context, url string) (*store.ProposalInfo, error)
	UpsertProposalInfo(ctx context.Context, info *store.ProposalInfo) error
	SetProposalStatus(ctx context.Context, url, status string) error
	DeleteProposal(ctx context.Context, url string) error
	MarkScanned(ctx context.Context, url string, at time.Time) error
}

// ProposalInfoManager keeps merge_proposal rows in line with what the
// forge reports, and tells the bus when something changed.
type ProposalInfoManager struct {
	store  ProposalStore
	bus    pubsub.Publisher
	clock  clockwork.Clock
	logger log.Logger
}

func NewProposalInfoManager(s ProposalStore, bus pubsub.Publisher, clock clockwork.Clock, logger log.Logger) *ProposalInfoManager {
	if bus == nil {
		bus = pubsub.NopPublisher{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ProposalInfoManager{store: s, bus: bus, clock: clock, logger: logger}
}

// Get fetches the stored state of a proposal. Returns store.ErrNotFound
// when the proposal has never been seen.
func (m *ProposalInfoManager) Get(ctx context.Context, url string) (*store.ProposalInfo, error) {
	return m.store.GetProposalInfo(ctx, url)
}

// UpdateFromScan records what a forge scan observed and returns the
// status that ended up persisted. Two rules apply:
//
//   - a terminal status never flips back to open: the same URL cannot
//     come back to life, only a new proposal can;
//   - a refined terminal status (abandoned, applied, rejected) is not
//     clobbered by the generic "closed" the forge reports later.
//
// When nothing material changed, only last_scanned is touched and no
// notification goes out.
func (m *ProposalInfoManager) UpdateFromScan(ctx context.Context, observed *store.ProposalInfo) (string, error) {
	existing, err := m.store.GetProposalInfo(ctx, observed.URL)
	if err != nil && errors.Cause(err) != store.ErrNotFound {
		return "", err
	}

	status := observed.Status
	if existing != nil {
		if store.ProposalStatusTerminal(existing.Status) && status == store.ProposalOpen {
			m.logger.Log("url", observed.URL, "stored", existing.Status,
				"msg", "ignoring open status for proposal already terminal")
			status = existing.Status
		}
		if status == store.ProposalClosed && store.ProposalStatusTerminal(existing.Status) &&
			existing.Status != store.ProposalClosed {
			status = existing.Status
		}
	}

	now := m.clock.Now().UTC()
	if existing != nil && !scanChanged(existing, observed, status) {
		if err := m.store.MarkScanned(ctx, observed.URL, now); err != nil {
			return "", err
		}
		return status, nil
	}

	info := *observed
	info.Status = status
	info.LastScanned = now
	if info.Codebase == "" && existing != nil {
		info.Codebase = existing.Codebase
	}
	if info.RateLimitBucket == "" && existing != nil {
		info.RateLimitBucket = existing.RateLimitBucket
	}
	if err := m.store.UpsertProposalInfo(ctx, &info); err != nil {
		return "", err
	}
	m.notify(&info)
	return status, nil
}

// RecordStatus forces a proposal's stored status, used when the engine
// itself closed or abandoned the proposal and does not need a re-scan
// to know about it.
func (m *ProposalInfoManager) RecordStatus(ctx context.Context, url, status string) error {
	if err := m.store.SetProposalStatus(ctx, url, status); err != nil {
		if errors.Cause(err) == store.ErrNotFound {
			info := &store.ProposalInfo{URL: url, Status: status, LastScanned: m.clock.Now().UTC()}
			if uerr := m.store.UpsertProposalInfo(ctx, info); uerr != nil {
				return uerr
			}
			m.notify(info)
			return nil
		}
		return err
	}
	m.notify(&store.ProposalInfo{URL: url, Status: status})
	return nil
}

// Forget drops a proposal whose URL no longer resolves at the forge.
func (m *ProposalInfoManager) Forget(ctx context.Context, url string) error {
	return m.store.DeleteProposal(ctx, url)
}

func (m *ProposalInfoManager) notify(info *store.ProposalInfo) {
	err := m.bus.Publish(pubsub.TopicMergeProposal, map[string]interface{}{
		"url":      info.URL,
		"status":   info.Status,
		"codebase": info.Codebase,
	})
	if err != nil {
		m.logger.Log("err", err, "url", info.URL, "msg", "publishing merge-proposal notification")
	}
}

// scanChanged reports whether the scan observed anything worth
// persisting beyond the scan timestamp.
func scanChanged(existing, observed *store.ProposalInfo, status string) bool {
	if existing.Status != status {
		return true
	}
	if observed.Revision != "" && existing.Revision != observed.Revision {
		return true
	}
	if observed.TargetBranchURL != "" && existing.TargetBranchURL != observed.TargetBranchURL {
		return true
	}
	if observed.Codebase != "" && existing.Codebase != observed.Codebase {
		return true
	}
	if observed.RateLimitBucket != "" && existing.RateLimitBucket != observed.RateLimitBucket {
		return true
	}
	if observed.CanBeMerged != nil {
		if existing.CanBeMerged == nil || *existing.CanBeMerged != *observed.CanBeMerged {
			return true
		}
	}
	return false
}
