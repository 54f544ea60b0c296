package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/janitor-ci/janitor/pkg/forge"
	jmetrics "github.com/janitor-ci/janitor/pkg/metrics"
	"github.com/janitor-ci/janitor/pkg/ratelimit"
	"github.com/janitor-ci/janitor/pkg/store"
)

// stragglerBatch bounds how many unscanned proposals one straggler
// check will chase.
const stragglerBatch = 100

// budget caps how much one scan cycle may do. Pushes get their own,
// tighter allowance inside the overall modification allowance, since a
// push lands immediately while a proposal can still be reviewed.
type budget struct {
	pushesLeft int // -1 means unlimited
	modsLeft   int // -1 means unlimited
}

func newBudget(pushLimit, modifyLimit int) *budget {
	b := &budget{pushesLeft: -1, modsLeft: -1}
	if pushLimit > 0 {
		b.pushesLeft = pushLimit
	}
	if modifyLimit > 0 {
		b.modsLeft = modifyLimit
	}
	return b
}

func (b *budget) pushesExhausted() bool { return b.pushesLeft == 0 }

func (b *budget) modificationsExhausted() bool { return b.modsLeft == 0 }

func (b *budget) takePush() bool {
	if b.pushesLeft == 0 {
		return false
	}
	if b.pushesLeft > 0 {
		b.pushesLeft--
	}
	return true
}

func (b *budget) takeModification() bool {
	if b.modsLeft == 0 {
		return false
	}
	if b.modsLeft > 0 {
		b.modsLeft--
	}
	return true
}

// RefreshBucketMPCounts replaces the rate limiter's snapshot with fresh
// per-bucket proposal counts from the database. Always a full replace:
// local increments since the last refresh are deliberately thrown away
// in favour of what the database has seen by now.
func (p *Publisher) RefreshBucketMPCounts(ctx context.Context) error {
	counts, err := p.db.CountMPsPerBucket(ctx)
	if err != nil {
		return errors.Wrap(err, "refreshing bucket counts")
	}
	snapshot := make(map[string]ratelimit.Counts, len(counts))
	for bucket, c := range counts {
		snapshot[bucket] = ratelimit.Counts{Open: c.Open, Merged: c.Merged, Applied: c.Applied}
		bucketOpen.With(jmetrics.LabelBucket, bucket).Set(float64(c.Open))
	}
	p.limiter.SetProposalCounts(snapshot)
	return nil
}

// PublishPendingReady runs one auto-publish pass: every publish-ready
// run, most urgent first, through the decision chain, until the cycle's
// modification budget runs out. Failures for one run never stop the
// rest.
func (p *Publisher) PublishPendingReady(ctx context.Context) (retErr error) {
	started := p.clock.Now()
	defer func() {
		cycleDuration.With(
			jmetrics.LabelMethod, "pending-ready",
			jmetrics.LabelSuccess, fmt.Sprint(retErr == nil),
		).Observe(p.clock.Since(started).Seconds())
	}()

	ready, err := p.db.PublishReady(ctx, "", "")
	if err != nil {
		return errors.Wrap(err, "listing publish-ready runs")
	}
	b := newBudget(p.pushLimit, p.modifyLimit)
	for i := range ready {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if b.modificationsExhausted() {
			p.logger.Log("considered", i, "of", len(ready),
				"msg", "modification budget spent, ending cycle early")
			break
		}
		if _, err := p.considerPublishRun(ctx, &ready[i], publishOptions{
			requestor: "publisher (publish pending)",
			budget:    b,
		}); err != nil {
			p.logger.Log("run", ready[i].ID, "err", err)
		}
	}
	return nil
}

// CheckExisting enumerates every open proposal the forges report for
// our account and reconciles each one. Proposals that cannot be traced
// to a run are logged and skipped.
func (p *Publisher) CheckExisting(ctx context.Context) (retErr error) {
	started := p.clock.Now()
	defer func() {
		cycleDuration.With(
			jmetrics.LabelMethod, "check-existing",
			jmetrics.LabelSuccess, fmt.Sprint(retErr == nil),
		).Observe(p.clock.Since(started).Seconds())
	}()

	if p.forges == nil {
		return nil
	}
	for _, f := range p.forges.Forges() {
		proposals, err := f.ListOpenProposals(ctx)
		if err != nil {
			p.logger.Log("forge", f.Kind(), "err", errors.Wrap(err, "listing open proposals"))
			continue
		}
		for i := range proposals {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := p.CheckExistingMP(ctx, f, &proposals[i]); err != nil {
				var noRun *NoRunForMergeProposalError
				if errors.As(err, &noRun) {
					p.logger.Log("proposal", proposals[i].URL, "msg", "no run for proposal")
					continue
				}
				p.logger.Log("proposal", proposals[i].URL, "err", err)
			}
		}
	}
	return nil
}

// CheckStragglers re-scans open proposals that the regular existing
// check has not seen for a while, e.g. because their forge listing
// pages errored out. Proposals gone from the forge are dropped.
func (p *Publisher) CheckStragglers(ctx context.Context) error {
	cutoff := p.clock.Now().Add(-stragglerAge)
	urls, err := p.db.StragglerURLs(ctx, cutoff, stragglerBatch)
	if err != nil {
		return errors.Wrap(err, "listing stragglers")
	}
	for _, url := range urls {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.RefreshProposal(ctx, url); err != nil {
			p.logger.Log("proposal", url, "err", err)
		}
	}
	return nil
}

// RefreshProposal re-scans one proposal by URL, on demand. A proposal
// the forge no longer has is forgotten.
func (p *Publisher) RefreshProposal(ctx context.Context, url string) error {
	if p.forges == nil {
		return errors.New("no forges configured")
	}
	f, err := p.forges.Route(url)
	if err != nil {
		return err
	}
	mp, err := f.GetProposal(ctx, url)
	if errors.Cause(err) == forge.ErrProposalNotFound {
		p.logger.Log("proposal", url, "msg", "proposal gone from forge, dropping")
		if derr := p.proposals.Forget(ctx, url); derr != nil && errors.Cause(derr) != store.ErrNotFound {
			return derr
		}
		return nil
	} else if err != nil {
		return errors.Wrap(err, "fetching proposal")
	}
	return p.CheckExistingMP(ctx, f, mp)
}

// ConsiderRun reconsiders the current publish-ready run for one
// (campaign, codebase) pair right away, outside the regular cycle.
// Used when the review process approves a run.
func (p *Publisher) ConsiderRun(ctx context.Context, campaignName, codebase, requestor string) error {
	ready, err := p.db.PublishReady(ctx, campaignName, codebase)
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return nil
	}
	_, err = p.considerPublishRun(ctx, &ready[0], publishOptions{requestor: requestor})
	return err
}

// HandlePublishStatus reacts to a publish-status notification from the
// review process by reconsidering the run immediately.
func (p *Publisher) HandlePublishStatus(ctx context.Context, payload []byte) {
	var msg struct {
		ID       string `json:"id"`
		Codebase string `json:"codebase"`
		Campaign string `json:"campaign"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.logger.Log("err", errors.Wrap(err, "decoding publish-status notification"))
		return
	}
	if msg.Codebase == "" || msg.Campaign == "" {
		p.logger.Log("run", msg.ID, "msg", "publish-status notification without codebase and campaign")
		return
	}
	if err := p.ConsiderRun(ctx, msg.Campaign, msg.Codebase, "runner (publish status)"); err != nil {
		p.logger.Log("run", msg.ID, "err", err)
	}
}

func (p *Publisher) ensureInit() {
	p.initOnce.Do(func() {
		p.scanSoon = make(chan struct{}, 1)
		p.existingSoon = make(chan struct{}, 1)
	})
}

// AskForScan requests an auto-publish cycle as soon as the loop is
// free. If one is already queued, that one will do.
func (p *Publisher) AskForScan() {
	p.ensureInit()
	select {
	case p.scanSoon <- struct{}{}:
	default:
	}
}

// AskForExistingCheck requests a full existing-proposal scan as soon as
// the loop is free.
func (p *Publisher) AskForExistingCheck() {
	p.ensureInit()
	select {
	case p.existingSoon <- struct{}{}:
	default:
	}
}

// scanCycle is one auto-publish cycle: refresh the limiter snapshot,
// then work through the publish-ready runs.
func (p *Publisher) scanCycle(ctx context.Context) {
	if err := p.RefreshBucketMPCounts(ctx); err != nil {
		p.logger.Log("err", err)
	}
	if err := p.PublishPendingReady(ctx); err != nil {
		p.logger.Log("err", err)
	}
}

// existingCycle is one reconciliation cycle over forge-side state.
func (p *Publisher) existingCycle(ctx context.Context) {
	if err := p.CheckExisting(ctx); err != nil {
		p.logger.Log("err", err)
	}
	if err := p.CheckStragglers(ctx); err != nil {
		p.logger.Log("err", err)
	}
}

// RunOnce performs a single full cycle of everything and returns.
func (p *Publisher) RunOnce(ctx context.Context) error {
	p.scanCycle(ctx)
	p.existingCycle(ctx)
	return ctx.Err()
}

// Run drives the periodic cycles until ctx is cancelled. We want to
// scan at least every ScanInterval; being asked (via AskForScan or a
// publish-status notification-triggered ask) intervenes, in which case
// the next timed scan is rescheduled. An in-flight publish is allowed
// to finish: cancellation is only observed between candidates.
func (p *Publisher) Run(ctx context.Context) error {
	p.ensureInit()

	scanTimer := p.clock.NewTimer(p.scanInterval)
	defer scanTimer.Stop()
	existingTimer := p.clock.NewTimer(p.existingInterval)
	defer existingTimer.Stop()

	// First cycles happen straight away on startup.
	p.AskForScan()
	p.AskForExistingCheck()

	for {
		select {
		case <-ctx.Done():
			p.logger.Log("stopping", "true")
			return ctx.Err()
		case <-p.scanSoon:
			if !scanTimer.Stop() {
				select {
				case <-scanTimer.Chan():
				default:
				}
			}
			p.scanCycle(ctx)
			scanTimer.Reset(p.scanInterval)
		case <-scanTimer.Chan():
			p.AskForScan()
		case <-p.existingSoon:
			if !existingTimer.Stop() {
				select {
				case <-existingTimer.Chan():
				default:
				}
			}
			p.existingCycle(ctx)
			existingTimer.Reset(p.existingInterval)
		case <-existingTimer.Chan():
			p.AskForExistingCheck()
		}
	}
}

// Interval defaults for Run.
const (
	DefaultScanInterval     = 15 * time.Minute
	DefaultExistingInterval = 2 * time.Hour
)
