// Package publish decides, for every completed run, whether and how to
// turn it into a published artifact: a pushed branch, a merge proposal,
// or nothing. It weighs policy, rate limits, retry backoff and what is
// already known about forge-side state, then drives the publish-one
// worker and records the outcome.
package publish

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/janitor-ci/janitor/pkg/campaign"
	"github.com/janitor-ci/janitor/pkg/forge"
	jmetrics "github.com/janitor-ci/janitor/pkg/metrics"
	"github.com/janitor-ci/janitor/pkg/pubsub"
	"github.com/janitor-ci/janitor/pkg/ratelimit"
	"github.com/janitor-ci/janitor/pkg/store"
	"github.com/janitor-ci/janitor/pkg/vcs"
)

// existingRunRetryInterval is how stale a failed run backing an open
// proposal may get before a fresh run is scheduled anyway.
const existingRunRetryInterval = 30 * 24 * time.Hour

// stragglerAge is how long a proposal may go unscanned before the
// straggler check re-scans it individually.
const stragglerAge = 5 * 24 * time.Hour

// Database is the slice of the SQL store the decision engine uses.
// *store.Store satisfies it; tests substitute a fake.
type Database interface {
	ProposalStore

	GetRun(ctx context.Context, id string) (*store.Run, error)
	GetLastEffectiveRun(ctx context.Context, codebase, campaign string) (*store.Run, error)
	GetUnchangedRun(ctx context.Context, codebase, campaign, mainBranchRevision string) (*store.Run, error)
	GetRunBySourceRevision(ctx context.Context, revision string) (*store.Run, error)
	PublishReady(ctx context.Context, campaign, codebase string) ([]store.PublishReadyRun, error)
	UnpublishedBranches(ctx context.Context, runID string) ([]store.ResultBranch, error)
	GetResultBranch(ctx context.Context, runID, role string) (*store.ResultBranch, error)
	MarkBranchAbsorbed(ctx context.Context, runID, role string) error
	AbsorbRevision(ctx context.Context, revision string) error
	GetCodebase(ctx context.Context, name string) (*store.Codebase, error)
	GuessCodebaseFromTargetURL(ctx context.Context, url string) (*store.Codebase, error)
	GetChangeSetState(ctx context.Context, id string) (string, error)
	MarkChangeSetPublishing(ctx context.Context, id string) error
	GetPublishPolicy(ctx context.Context, codebase, campaign string) (*store.CandidatePolicy, error)
	GetPublishAttemptCount(ctx context.Context, revision string, excludeCodes []string) (int, error)
	AlreadyPublished(ctx context.Context, targetBranchURL, branchName, revision string, modes []string) (bool, error)
	LastPublishTime(ctx context.Context, campaign, codebase string) (time.Time, error)
	StorePublish(ctx context.Context, p *store.Publish) error
	GetOpenProposalForBranch(ctx context.Context, codebase, branchName string) (*store.ProposalInfo, error)
	PreviousProposals(ctx context.Context, codebase, branchName string) ([]store.ProposalInfo, error)
	GetProposalRun(ctx context.Context, url string) (*store.Run, string, error)
	CountMPsPerBucket(ctx context.Context) (map[string]store.ProposalCounts, error)
	StragglerURLs(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
	Reschedule(ctx context.Context, codebase, campaign, command, bucket, requestor string) error
}

// BranchPublisher performs a single-branch publish. *Worker satisfies
// it.
type BranchPublisher interface {
	Publish(ctx context.Context, req *Request, bucket string) (*Result, error)
}

// Config collects the publisher's collaborators and tunables.
type Config struct {
	DB        Database
	Worker    BranchPublisher
	Proposals *ProposalInfoManager
	Limiter   ratelimit.RateLimiter
	Bus       pubsub.Publisher
	Forges    *forge.Router
	VCS       vcs.Manager
	Campaigns *campaign.Config
	Clock     clockwork.Clock
	Logger    log.Logger

	// RequireBinaryDiff makes every publish fetch a binary diff against
	// the matching control run first.
	RequireBinaryDiff bool
	// PushLimit caps pushes per scan cycle. Zero means no cap.
	PushLimit int
	// ModifyLimit caps forge mutations per scan cycle. Zero means no
	// cap.
	ModifyLimit int
	// ScanInterval is how often Run starts an auto-publish cycle.
	ScanInterval time.Duration
	// ExistingInterval is how often Run reconciles forge-side state.
	ExistingInterval time.Duration
}

// Publisher is the run-publish decision engine.
type Publisher struct {
	db        Database
	worker    BranchPublisher
	proposals *ProposalInfoManager
	limiter   ratelimit.RateLimiter
	bus       pubsub.Publisher
	forges    *forge.Router
	vcs       vcs.Manager
	campaigns *campaign.Config
	clock     clockwork.Clock
	logger    log.Logger

	requireBinaryDiff bool
	pushLimit         int
	modifyLimit       int
	scanInterval      time.Duration
	existingInterval  time.Duration

	initOnce     sync.Once
	scanSoon     chan struct{}
	existingSoon chan struct{}
}

// NewPublisher builds a Publisher from cfg, filling in no-op defaults
// for the optional collaborators.
func NewPublisher(cfg Config) *Publisher {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewNonRateLimiter()
	}
	if cfg.Bus == nil {
		cfg.Bus = pubsub.NopPublisher{}
	}
	if cfg.Campaigns == nil {
		cfg.Campaigns = &campaign.Config{ControlCampaign: "control"}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.ExistingInterval <= 0 {
		cfg.ExistingInterval = DefaultExistingInterval
	}
	return &Publisher{
		db:        cfg.DB,
		worker:    cfg.Worker,
		proposals: cfg.Proposals,
		limiter:   cfg.Limiter,
		bus:       cfg.Bus,
		forges:    cfg.Forges,
		vcs:       cfg.VCS,
		campaigns: cfg.Campaigns,
		clock:     cfg.Clock,
		logger:    cfg.Logger,

		requireBinaryDiff: cfg.RequireBinaryDiff,
		pushLimit:         cfg.PushLimit,
		modifyLimit:       cfg.ModifyLimit,
		scanInterval:      cfg.ScanInterval,
		existingInterval:  cfg.ExistingInterval,
	}
}

// publishOptions carries the per-call knobs through the decision
// chain.
type publishOptions struct {
	requestor    string
	overrideMode Mode
	budget       *budget
}

// considerPublishRun runs the whole per-run decision chain and returns
// the publish log entries it produced, failed attempts included.
func (p *Publisher) considerPublishRun(ctx context.Context, run *store.PublishReadyRun, opts publishOptions) ([]*store.Publish, error) {
	logger := log.With(p.logger, "run", run.ID, "codebase", run.Codebase, "campaign", run.Campaign)

	if run.Revision == "" {
		logger.Log("msg", "run has no resolved revision, skipping")
		return nil, nil
	}
	if run.PublishStatus != store.PublishStatusApproved {
		logger.Log("publish_status", run.PublishStatus, "msg", "run not approved for publishing")
		return nil, nil
	}
	if run.ChangeSetState != "" && run.ChangeSetState != store.ChangeSetReady && run.ChangeSetState != store.ChangeSetPublishing {
		logger.Log("change_set", run.ChangeSet, "state", run.ChangeSetState, "msg", "change set not ready for publishing")
		return nil, nil
	}

	attempts, err := p.db.GetPublishAttemptCount(ctx, run.Revision, backoffExcludedCodes)
	if err != nil {
		return nil, err
	}
	if next := CalculateNextTryTime(run.FinishTime, attempts); p.clock.Now().Before(next) {
		delayedRuns.Add(1)
		logger.Log("attempts", attempts, "next_try", next.Format(time.RFC3339), "msg", "not retrying yet")
		return nil, nil
	}

	if run.BranchURL == "" {
		missingBranchURL.Add(1)
		logger.Log("msg", "run has no branch URL, skipping")
		return nil, nil
	}

	camp, _ := p.campaigns.Campaign(run.Campaign)
	branchName := run.Campaign
	if camp != nil {
		branchName = camp.BranchName
	}

	// A human refusing an earlier proposal is a hard stop, not a
	// backoff. Only the most recent settled proposal counts; our own
	// abandoned proposals and merged ones do not block.
	previous, err := p.db.PreviousProposals(ctx, run.Codebase, branchName)
	if err != nil {
		return nil, err
	}
	for _, mp := range previous {
		if mp.Status == store.ProposalOpen {
			continue
		}
		if mp.Status == store.ProposalRejected || mp.Status == store.ProposalClosed {
			rejectedStops.Add(1)
			logger.Log("proposal", mp.URL, "status", mp.Status, "msg", "earlier proposal was refused, not publishing again")
			return nil, nil
		}
		break
	}

	policy, err := p.db.GetPublishPolicy(ctx, run.Codebase, run.Campaign)
	if errors.Cause(err) == store.ErrNotFound {
		logger.Log("msg", "no candidate for run, skipping")
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	branches, err := p.db.UnpublishedBranches(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if len(branches) == 0 {
		logger.Log("msg", "no unpublished branches left")
		return nil, nil
	}

	if opts.budget != nil && opts.budget.pushesExhausted() {
		for i := range branches {
			if m := p.modeFor(policy, branches[i].Role, opts.overrideMode); m == ModePush || m == ModeAttemptPush {
				pushLimitSkips.Add(1)
				logger.Log("msg", "push budget exhausted, skipping run")
				return nil, nil
			}
		}
	}

	// The main role goes last, and only once every sibling branch has
	// been published. Partially published multi-branch runs are worse
	// than unpublished ones.
	var published []*store.Publish
	allSiblingsPublished := true
	for i := range branches {
		if branches[i].Role == "main" {
			continue
		}
		pub, err := p.publishFromPolicy(ctx, logger, run, camp, policy, &branches[i], opts)
		if err != nil {
			return published, err
		}
		if pub == nil || pub.ResultCode != CodeSuccess {
			allSiblingsPublished = false
		}
		if pub != nil {
			published = append(published, pub)
		}
	}
	for i := range branches {
		if branches[i].Role != "main" {
			continue
		}
		if !allSiblingsPublished {
			logger.Log("msg", "not publishing main branch, sibling branches are unpublished")
			break
		}
		pub, err := p.publishFromPolicy(ctx, logger, run, camp, policy, &branches[i], opts)
		if err != nil {
			return published, err
		}
		if pub != nil {
			published = append(published, pub)
		}
	}
	return published, nil
}

// modeFor resolves the publish mode for a role from the candidate's
// policy, or from the caller's override.
func (p *Publisher) modeFor(policy *store.CandidatePolicy, role string, override Mode) Mode {
	if override != "" {
		return override
	}
	if policy.Policy == nil {
		return ModeSkip
	}
	bp, ok := policy.Policy.PerBranch[role]
	if !ok {
		return ModeSkip
	}
	mode, err := ParseMode(bp.Mode)
	if err != nil {
		p.logger.Log("role", role, "mode", bp.Mode, "msg", "policy has unknown mode, treating as skip")
		return ModeSkip
	}
	return mode
}

// publishFromPolicy publishes one result branch if policy and rate
// limits allow. It returns the publish log entry it recorded, nil when
// a gate decided to do nothing, and an error only for infrastructure
// trouble. Structured publish failures come back as log entries with
// their result code, not as errors.
func (p *Publisher) publishFromPolicy(ctx context.Context, logger log.Logger, run *store.PublishReadyRun, camp *campaign.Campaign, policy *store.CandidatePolicy, branch *store.ResultBranch, opts publishOptions) (*store.Publish, error) {
	logger = log.With(logger, "role", branch.Role)

	// A candidate whose command changed since this run means the
	// policy wants a different codemod now. Never publish the stale
	// result; get a fresh run instead.
	if policy.Command != "" && run.Command != "" && run.Command != policy.Command {
		staleCommands.Add(1)
		logger.Log("run_command", run.Command, "policy_command", policy.Command,
			"msg", "command changed since run, rescheduling")
		p.reschedule(ctx, logger, run.Codebase, run.Campaign, policy.Command, store.BucketUpdateNewMP, "publisher (stale command)")
		return nil, nil
	}

	mode := p.modeFor(policy, branch.Role, opts.overrideMode)
	if !mode.publishes() {
		logger.Log("mode", mode, "msg", "not publishing")
		return nil, nil
	}
	var maxFrequencyDays int
	if policy.Policy != nil {
		if bp, ok := policy.Policy.PerBranch[branch.Role]; ok {
			maxFrequencyDays = bp.MaxFrequencyDays
		}
	}

	derivedBranch := run.Campaign
	if camp != nil {
		derivedBranch = camp.DerivedBranchName(branch.Role)
	} else if branch.Role != "" && branch.Role != "main" {
		derivedBranch = run.Campaign + "/" + branch.Role
	}
	targetURL := run.TargetBranchURL
	if targetURL == "" {
		targetURL = run.BranchURL
	}

	already, err := p.db.AlreadyPublished(ctx, targetURL, derivedBranch, branch.Revision, equivalentModes(mode))
	if err != nil {
		return nil, err
	}
	if already {
		logger.Log("revision", branch.Revision, "mode", mode, "msg", "already published")
		return nil, nil
	}

	var bucket string
	if policy.Policy != nil {
		bucket = policy.Policy.RateLimitBucket
	}

	if mode == ModePropose || mode == ModeAttemptPush {
		open, err := p.db.GetOpenProposalForBranch(ctx, run.Codebase, derivedBranch)
		if err != nil && errors.Cause(err) != store.ErrNotFound {
			return nil, err
		}
		if open != nil {
			logger.Log("proposal", open.URL, "msg", "open proposal exists, leaving updates to the scan loop")
			return nil, nil
		}
		if err := p.limiter.CheckAllowed(bucket); err != nil {
			if ratelimit.IsRateLimited(err) {
				rateLimitedRuns.With(jmetrics.LabelBucket, bucket).Add(1)
				logger.Log("bucket", bucket, "err", err, "msg", "rate limited, not proposing")
				return nil, nil
			}
			return nil, err
		}
		if maxFrequencyDays > 0 {
			last, err := p.db.LastPublishTime(ctx, run.Campaign, run.Codebase)
			if err != nil && errors.Cause(err) != store.ErrNotFound {
				return nil, err
			}
			if err == nil {
				if wait := time.Duration(maxFrequencyDays) * 24 * time.Hour; p.clock.Now().Sub(last) < wait {
					frequencyLimitedRuns.Add(1)
					logger.Log("last_publish", last.Format(time.RFC3339), "max_frequency_days", maxFrequencyDays,
						"msg", "published recently, not publishing again yet")
					return nil, nil
				}
			}
		}
	}

	if opts.budget != nil {
		if (mode == ModePush || mode == ModeAttemptPush) && !opts.budget.takePush() {
			pushLimitSkips.Add(1)
			logger.Log("msg", "push budget exhausted")
			return nil, nil
		}
		if !opts.budget.takeModification() {
			logger.Log("msg", "modification budget exhausted")
			return nil, nil
		}
	}

	var unchangedID string
	if p.requireBinaryDiff {
		unchanged, err := p.db.GetUnchangedRun(ctx, run.Codebase, p.campaigns.ControlCampaign, run.MainBranchRevision)
		if errors.Cause(err) == store.ErrNotFound {
			failure := &PublishFailure{
				Mode:        mode,
				Code:        CodeMissingBuildDiffControl,
				Description: "no control run for main branch revision " + run.MainBranchRevision,
			}
			return p.recordFailure(ctx, logger, run, branch, derivedBranch, targetURL, failure, opts.requestor)
		} else if err != nil {
			return nil, err
		}
		unchangedID = unchanged.ID
	}

	allowCreate := true
	req := &Request{
		Campaign:            run.Campaign,
		Codebase:            run.Codebase,
		Command:             run.Command,
		TargetBranchURL:     targetURL,
		SourceBranchURL:     p.vcs.BranchURL(run.Codebase, branch.RemoteName),
		DerivedBranchName:   derivedBranch,
		Mode:                mode,
		Role:                branch.Role,
		LogID:               run.ID,
		UnchangedID:         unchangedID,
		Revision:            branch.Revision,
		Tags:                tagMap(run.ResultTags),
		RequireBinaryDiff:   p.requireBinaryDiff,
		AllowCreateProposal: allowCreate,
		CodemodResult:       run.Result,
	}
	if camp != nil {
		if t := camp.MergeProposal.ValueThreshold; t > 0 && run.Value != nil && *run.Value < t {
			req.AllowCreateProposal = false
		}
		req.CommitMessageTmpl = camp.MergeProposal.CommitMessage
		req.TitleTmpl = camp.MergeProposal.Title
		req.DescriptionTmpl = camp.MergeProposal.Description
		req.Reviewers = camp.Reviewers
		req.AutoMerge = camp.AutoMerge
	}

	started := p.clock.Now()
	res, err := p.worker.Publish(ctx, req, bucket)
	elapsed := p.clock.Now().Sub(started).Seconds()
	if err != nil {
		var busy *BranchBusyError
		if errors.As(err, &busy) {
			branchesBusy.Add(1)
			logger.Log("branch_url", targetURL, "msg", "branch busy, leaving for next cycle")
			return nil, nil
		}
		var failure *PublishFailure
		if errors.As(err, &failure) {
			publishDuration.With(jmetrics.LabelMode, string(mode), jmetrics.LabelResultCode, failure.Code).Observe(elapsed)
			return p.recordFailure(ctx, logger, run, branch, derivedBranch, targetURL, failure, opts.requestor)
		}
		return nil, err
	}

	effective := res.EffectiveMode(mode)
	pub := p.newPublish(run, branch, res.BranchName, res.TargetBranchURL, effective, res.ProposalURL, CodeSuccess, res.Description, opts.requestor)
	if pub.BranchName == "" {
		pub.BranchName = derivedBranch
	}
	if pub.TargetBranchURL == "" {
		pub.TargetBranchURL = targetURL
	}
	if err := p.storeAndNotify(ctx, logger, pub); err != nil {
		return nil, err
	}
	if res.ProposalURL != "" && res.IsNew {
		info := &store.ProposalInfo{
			URL:             res.ProposalURL,
			Codebase:        run.Codebase,
			Status:          store.ProposalOpen,
			Revision:        branch.Revision,
			TargetBranchURL: pub.TargetBranchURL,
			LastScanned:     p.clock.Now().UTC(),
			RateLimitBucket: bucket,
		}
		if err := p.db.UpsertProposalInfo(ctx, info); err != nil {
			logger.Log("err", err, "proposal", res.ProposalURL, "msg", "recording new proposal")
		}
	}
	if effective == ModePush {
		if err := p.db.MarkBranchAbsorbed(ctx, run.ID, branch.Role); err != nil {
			logger.Log("err", err, "msg", "marking branch absorbed")
		}
	}
	if run.ChangeSet != "" {
		if err := p.db.MarkChangeSetPublishing(ctx, run.ChangeSet); err != nil {
			logger.Log("err", err, "change_set", run.ChangeSet, "msg", "marking change set publishing")
		}
	}
	publishDuration.With(jmetrics.LabelMode, string(effective), jmetrics.LabelResultCode, CodeSuccess).Observe(elapsed)
	publishResults.With(jmetrics.LabelMode, string(effective), jmetrics.LabelResultCode, CodeSuccess).Add(1)
	logger.Log("mode", effective, "proposal", res.ProposalURL, "revision", branch.Revision, "msg", "published")
	return pub, nil
}

// recordFailure classifies a structured failure, appends it to the
// publish log and notifies the bus.
func (p *Publisher) recordFailure(ctx context.Context, logger log.Logger, run *store.PublishReadyRun, branch *store.ResultBranch, derivedBranch, targetURL string, failure *PublishFailure, requestor string) (*store.Publish, error) {
	code, description := p.handlePublishFailure(ctx, logger, run, failure)
	pub := p.newPublish(run, branch, derivedBranch, targetURL, failure.Mode, "", code, description, requestor)
	if err := p.storeAndNotify(ctx, logger, pub); err != nil {
		return nil, err
	}
	publishResults.With(jmetrics.LabelMode, string(failure.Mode), jmetrics.LabelResultCode, code).Add(1)
	logger.Log("code", code, "description", description, "msg", "publish failed")
	return pub, nil
}

func (p *Publisher) newPublish(run *store.PublishReadyRun, branch *store.ResultBranch, branchName, targetURL string, mode Mode, proposalURL, code, description, requestor string) *store.Publish {
	return &store.Publish{
		Timestamp:          p.clock.Now().UTC(),
		Codebase:           run.Codebase,
		Campaign:           run.Campaign,
		BranchName:         branchName,
		MainBranchRevision: run.MainBranchRevision,
		Revision:           branch.Revision,
		Role:               branch.Role,
		Mode:               string(mode),
		TargetBranchURL:    targetURL,
		MergeProposalURL:   proposalURL,
		ResultCode:         code,
		Description:        description,
		Requestor:          requestor,
		RunID:              run.ID,
	}
}

func (p *Publisher) storeAndNotify(ctx context.Context, logger log.Logger, pub *store.Publish) error {
	if err := p.db.StorePublish(ctx, pub); err != nil {
		return err
	}
	err := p.bus.Publish(pubsub.TopicPublish, map[string]interface{}{
		"id":                 pub.ID,
		"codebase":           pub.Codebase,
		"campaign":           pub.Campaign,
		"mode":               pub.Mode,
		"result_code":        pub.ResultCode,
		"branch_name":        pub.BranchName,
		"merge_proposal_url": pub.MergeProposalURL,
	})
	if err != nil {
		logger.Log("err", err, "msg", "publishing publish notification")
	}
	return nil
}

func (p *Publisher) reschedule(ctx context.Context, logger log.Logger, codebase, campaignName, command, bucket, requestor string) {
	if err := p.db.Reschedule(ctx, codebase, campaignName, command, bucket, requestor); err != nil {
		logger.Log("err", err, "bucket", bucket, "msg", "rescheduling run")
		return
	}
	rescheduled.With(jmetrics.LabelBucket, bucket, jmetrics.LabelCampaign, campaignName).Add(1)
}

// PublishManually publishes the latest effective run for a (campaign,
// codebase) pair on demand. It returns the run id and any publish log
// entries produced; an empty entry list with a nil error means there
// was nothing left to publish.
func (p *Publisher) PublishManually(ctx context.Context, campaignName, codebase string, overrideMode Mode, requestor string) (string, []*store.Publish, error) {
	ready, err := p.db.PublishReady(ctx, campaignName, codebase)
	if err != nil {
		return "", nil, err
	}
	if len(ready) == 0 {
		run, err := p.db.GetLastEffectiveRun(ctx, codebase, campaignName)
		if err != nil {
			return "", nil, err
		}
		return run.ID, nil, nil
	}
	run := ready[0]
	pubs, err := p.considerPublishRun(ctx, &run, publishOptions{requestor: requestor, overrideMode: overrideMode})
	return run.ID, pubs, err
}

func tagMap(tags []store.ResultTag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.Name] = t.Revision
	}
	return m
}
