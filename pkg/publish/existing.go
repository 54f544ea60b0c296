package publish

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/janitor-ci/janitor/pkg/forge"
	jmetrics "github.com/janitor-ci/janitor/pkg/metrics"
	"github.com/janitor-ci/janitor/pkg/store"
	"github.com/janitor-ci/janitor/pkg/vcs"
)

// CheckExistingMP reconciles one forge-reported proposal with what the
// database knows and with the latest run for its codebase and campaign:
// record status changes, absorb merged revisions, withdraw proposals
// whose changes landed elsewhere or stopped being worth it, refresh
// proposals a newer run has better content for, and reschedule runs
// that can unblock a conflicted proposal. Errors only report trouble
// with this proposal; the caller moves on to the next one.
func (p *Publisher) CheckExistingMP(ctx context.Context, f forge.Forge, mp *forge.Proposal) error {
	logger := log.With(p.logger, "proposal", mp.URL)

	stored, err := p.proposals.Get(ctx, mp.URL)
	if err != nil && errors.Cause(err) != store.ErrNotFound {
		return err
	}
	codebase, bucket := p.resolveProposalContext(ctx, mp, stored)

	status, err := p.proposals.UpdateFromScan(ctx, &store.ProposalInfo{
		URL:             mp.URL,
		Codebase:        codebase,
		Status:          mp.Status,
		Revision:        mp.Revision,
		TargetBranchURL: mp.TargetBranchURL,
		CanBeMerged:     mp.CanBeMerged,
		RateLimitBucket: bucket,
	})
	if err != nil {
		return err
	}
	proposalScans.With(jmetrics.LabelStatus, status).Add(1)

	if status == store.ProposalMerged || status == store.ProposalApplied {
		if mp.Revision != "" {
			if err := p.db.AbsorbRevision(ctx, mp.Revision); err != nil {
				logger.Log("err", err, "msg", "absorbing landed revision")
			}
		}
	}
	if status != store.ProposalOpen {
		// Terminal states need no further action; a future run opens a
		// fresh proposal if there is more to do.
		return nil
	}

	mpRun, role, err := p.db.GetProposalRun(ctx, mp.URL)
	if errors.Cause(err) == store.ErrNotFound {
		return p.recoverOrphan(ctx, logger, mp, codebase)
	} else if err != nil {
		return err
	}

	lastRun, err := p.db.GetLastEffectiveRun(ctx, mpRun.Codebase, mpRun.Campaign)
	if errors.Cause(err) == store.ErrNotFound {
		logger.Log("codebase", mpRun.Codebase, "campaign", mpRun.Campaign,
			"msg", "no effective run to compare proposal against")
		return nil
	} else if err != nil {
		return err
	}

	if lastRun.ResultCode == ResultCodeNothingToDo {
		// The codemod found nothing left to change: everything this
		// proposal wanted has landed some other way.
		return p.closeApplied(ctx, logger, f, mp, lastRun.Revision)
	}

	if lastRun.ResultCode != CodeSuccess {
		logger = log.With(logger, "run", lastRun.ID, "result_code", lastRun.ResultCode)
		switch {
		case lastRun.FailureTransient != nil && *lastRun.FailureTransient:
			logger.Log("msg", "last run failed transiently, rescheduling")
			p.reschedule(ctx, logger, lastRun.Codebase, lastRun.Campaign, lastRun.Command,
				store.BucketUpdateExistingMP, "publisher (transient failure)")
		case p.clock.Now().Sub(lastRun.FinishTime) > existingRunRetryInterval:
			logger.Log("msg", "last run failed and has gone stale, rescheduling")
			p.reschedule(ctx, logger, lastRun.Codebase, lastRun.Campaign, lastRun.Command,
				store.BucketUpdateExistingMP, "publisher (stale failure)")
		default:
			logger.Log("msg", "last run failed, leaving proposal for the next run")
		}
		return nil
	}

	if camp, ok := p.campaigns.Campaign(lastRun.Campaign); ok {
		if t := camp.MergeProposal.ValueThreshold; t > 0 && lastRun.Value != nil && *lastRun.Value < t {
			logger.Log("value", *lastRun.Value, "threshold", t,
				"msg", "run value below threshold, withdrawing proposal")
			comment := fmt.Sprintf(
				"This proposal is being closed: the remaining changes score %d, below the threshold of %d for automated changes.",
				*lastRun.Value, t)
			return p.abandon(ctx, logger, f, mp.URL, comment)
		}
	}

	_, runTargetBranch, err := vcs.SplitBranchURL(lastRun.TargetBranchURL)
	if err != nil {
		logger.Log("err", err, "target_branch_url", lastRun.TargetBranchURL)
		runTargetBranch = ""
	}
	if runTargetBranch != "" && mp.TargetBranchName != "" && runTargetBranch != mp.TargetBranchName {
		logger.Log("from", mp.TargetBranchName, "to", runTargetBranch,
			"msg", "target branch changed, retargeting proposal")
		err := f.RetargetProposal(ctx, mp.URL, runTargetBranch)
		if errors.Cause(err) == forge.ErrUnsupportedOperation {
			comment := fmt.Sprintf(
				"This proposal is being closed: the target branch is now %s; a fresh proposal against it will follow.",
				runTargetBranch)
			return p.abandon(ctx, logger, f, mp.URL, comment)
		}
		return errors.Wrap(err, "retargeting proposal")
	}

	if mpRun.BranchURL != "" && lastRun.BranchURL != "" &&
		normalizeRepoURL(mpRun.BranchURL) != normalizeRepoURL(lastRun.BranchURL) {
		// The repository moved between runs. Whether the proposal
		// should follow is ambiguous, so an operator gets to decide.
		branchesMoved.Add(1)
		logger.Log("old", mpRun.BranchURL, "new", lastRun.BranchURL,
			"msg", "source repository moved, leaving proposal alone")
		return nil
	}

	if lastRun.ID != mpRun.ID {
		return p.refreshProposalContent(ctx, logger, f, mp, lastRun, role, bucket)
	}

	if mp.CanBeMerged != nil && !*mp.CanBeMerged {
		logger.Log("msg", "proposal cannot be merged, rescheduling against current target")
		p.reschedule(ctx, logger, lastRun.Codebase, lastRun.Campaign, lastRun.Command,
			store.BucketUpdateExistingMP, "publisher (proposal conflicts)")
		return nil
	}
	return nil
}

// resolveProposalContext recovers the codebase and rate-limit bucket
// for a proposal, preferring what the database already knows and
// falling back to the target URL and the source revision. Best effort:
// empty results are acceptable.
func (p *Publisher) resolveProposalContext(ctx context.Context, mp *forge.Proposal, stored *store.ProposalInfo) (codebase, bucket string) {
	if stored != nil {
		codebase, bucket = stored.Codebase, stored.RateLimitBucket
	}
	var campaignName string
	if codebase == "" && mp.TargetBranchURL != "" {
		// Codebase rows may store the branch-qualified URL; the forge
		// reports the clone URL and branch name separately.
		candidates := []string{mp.TargetBranchURL}
		if mp.TargetBranchName != "" {
			candidates = append([]string{vcs.JoinBranchURL(mp.TargetBranchURL, mp.TargetBranchName)}, candidates...)
		}
		for _, candidate := range candidates {
			if cb, err := p.db.GuessCodebaseFromTargetURL(ctx, candidate); err == nil {
				codebase = cb.Name
				break
			}
		}
	}
	if codebase == "" && mp.Revision != "" {
		if run, err := p.db.GetRunBySourceRevision(ctx, mp.Revision); err == nil {
			codebase = run.Codebase
			campaignName = run.Campaign
		}
	}
	if bucket == "" && codebase != "" {
		if campaignName == "" {
			if run, _, err := p.db.GetProposalRun(ctx, mp.URL); err == nil {
				campaignName = run.Campaign
			}
		}
		if campaignName != "" {
			if policy, err := p.db.GetPublishPolicy(ctx, codebase, campaignName); err == nil && policy.Policy != nil {
				bucket = policy.Policy.RateLimitBucket
			}
		}
	}
	return codebase, bucket
}

// recoverOrphan handles an open proposal with no recorded run: when the
// source branch name identifies a campaign and the codebase is known, a
// fresh run is scheduled to adopt the proposal; otherwise the caller
// gets NoRunForMergeProposalError to log.
func (p *Publisher) recoverOrphan(ctx context.Context, logger log.Logger, mp *forge.Proposal, codebase string) error {
	orphanProposals.Add(1)
	camp, ok := p.campaigns.CampaignByBranchName(mp.SourceBranchName)
	if !ok || codebase == "" {
		return &NoRunForMergeProposalError{URL: mp.URL}
	}
	logger.Log("codebase", codebase, "campaign", camp.Name,
		"msg", "no run on file for proposal, scheduling one to adopt it")
	p.reschedule(ctx, logger, codebase, camp.Name, camp.Command,
		store.BucketUpdateExistingMP, "publisher (orphaned proposal)")
	return nil
}

// refreshProposalContent pushes a newer run's branch into an existing
// proposal rather than opening a second one. An empty-merge-proposal
// failure means the target already has everything, which closes the
// proposal as applied.
func (p *Publisher) refreshProposalContent(ctx context.Context, logger log.Logger, f forge.Forge, mp *forge.Proposal, run *store.Run, role, bucket string) error {
	branch, err := p.db.GetResultBranch(ctx, run.ID, role)
	if errors.Cause(err) == store.ErrNotFound {
		logger.Log("run", run.ID, "role", role,
			"msg", "newer run has no branch for proposal's role, leaving alone")
		return nil
	} else if err != nil {
		return err
	}
	if branch.Revision == "" || branch.Revision == mp.Revision {
		return nil
	}

	logger = log.With(logger, "run", run.ID, "role", role)
	targetURL := run.TargetBranchURL
	if targetURL == "" {
		targetURL = run.BranchURL
	}
	req := &Request{
		Campaign:            run.Campaign,
		Codebase:            run.Codebase,
		Command:             run.Command,
		TargetBranchURL:     targetURL,
		SourceBranchURL:     p.vcs.BranchURL(run.Codebase, branch.RemoteName),
		ExistingMPURL:       mp.URL,
		DerivedBranchName:   mp.SourceBranchName,
		Mode:                ModePropose,
		Role:                role,
		LogID:               run.ID,
		Revision:            branch.Revision,
		Tags:                tagMap(run.ResultTags),
		AllowCreateProposal: true,
		CodemodResult:       run.Result,
	}
	if camp, ok := p.campaigns.Campaign(run.Campaign); ok {
		req.CommitMessageTmpl = camp.MergeProposal.CommitMessage
		req.TitleTmpl = camp.MergeProposal.Title
		req.DescriptionTmpl = camp.MergeProposal.Description
	}

	prr := &store.PublishReadyRun{Run: *run}
	res, err := p.worker.Publish(ctx, req, bucket)
	if err != nil {
		var busy *BranchBusyError
		if errors.As(err, &busy) {
			branchesBusy.Add(1)
			logger.Log("msg", "branch busy, leaving refresh for next cycle")
			return nil
		}
		var failure *PublishFailure
		if errors.As(err, &failure) {
			if failure.Code == CodeEmptyMergeProposal {
				logger.Log("msg", "refreshed proposal would be empty, target already has the changes")
				return p.closeApplied(ctx, logger, f, mp, branch.Revision)
			}
			_, rerr := p.recordFailure(ctx, logger, prr, branch, mp.SourceBranchName, targetURL, failure, "publisher (refresh)")
			return rerr
		}
		return err
	}

	pub := p.newPublish(prr, branch, res.BranchName, res.TargetBranchURL, ModePropose, mp.URL, CodeSuccess, res.Description, "publisher (refresh)")
	if pub.BranchName == "" {
		pub.BranchName = mp.SourceBranchName
	}
	if pub.TargetBranchURL == "" {
		pub.TargetBranchURL = targetURL
	}
	if err := p.storeAndNotify(ctx, logger, pub); err != nil {
		return err
	}
	if err := p.db.UpsertProposalInfo(ctx, &store.ProposalInfo{
		URL:             mp.URL,
		Codebase:        run.Codebase,
		Status:          store.ProposalOpen,
		Revision:        branch.Revision,
		TargetBranchURL: pub.TargetBranchURL,
		LastScanned:     p.clock.Now().UTC(),
		RateLimitBucket: bucket,
	}); err != nil {
		logger.Log("err", err, "msg", "recording refreshed proposal")
	}
	publishResults.With(jmetrics.LabelMode, string(ModePropose), jmetrics.LabelResultCode, CodeSuccess).Add(1)
	logger.Log("revision", branch.Revision, "msg", "refreshed existing proposal")
	return nil
}

// closeApplied closes a proposal whose changes are already in the
// target, marking it applied and absorbing the revision so the backing
// run stops being a publish candidate.
func (p *Publisher) closeApplied(ctx context.Context, logger log.Logger, f forge.Forge, mp *forge.Proposal, revision string) error {
	comment := "This proposal is being closed: the remaining changes have been applied independently."
	if err := f.PostComment(ctx, mp.URL, comment); err != nil {
		logger.Log("err", err, "msg", "posting applied comment")
	}
	if err := f.CloseProposal(ctx, mp.URL); err != nil {
		return errors.Wrap(err, "closing applied proposal")
	}
	if err := p.proposals.RecordStatus(ctx, mp.URL, store.ProposalApplied); err != nil {
		return err
	}
	if revision == "" {
		revision = mp.Revision
	}
	if revision != "" {
		if err := p.db.AbsorbRevision(ctx, revision); err != nil {
			logger.Log("err", err, "msg", "absorbing applied revision")
		}
	}
	logger.Log("msg", "proposal closed as applied")
	return nil
}

// abandon withdraws one of our own proposals, with a comment saying
// why.
func (p *Publisher) abandon(ctx context.Context, logger log.Logger, f forge.Forge, url, comment string) error {
	if comment != "" {
		if err := f.PostComment(ctx, url, comment); err != nil {
			logger.Log("err", err, "msg", "posting abandon comment")
		}
	}
	if err := f.CloseProposal(ctx, url); err != nil {
		return errors.Wrap(err, "closing abandoned proposal")
	}
	return p.proposals.RecordStatus(ctx, url, store.ProposalAbandoned)
}

func normalizeRepoURL(u string) string {
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return strings.ToLower(u)
}
