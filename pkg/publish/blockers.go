package publish

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/janitor-ci/janitor/pkg/ratelimit"
	"github.com/janitor-ci/janitor/pkg/store"
)

// Blocker reports one publish gate for a run: whether the gate passes,
// plus whatever detail explains the answer.
type Blocker struct {
	Result  bool                   `json:"result"`
	Details map[string]interface{} `json:"details"`
}

// Blockers evaluates every publish gate for one run without publishing
// anything. A gate with Result false is what currently stands between
// the run and publication. Infrastructure errors abort; per-gate
// negative answers do not.
func (p *Publisher) Blockers(ctx context.Context, runID string) (map[string]Blocker, error) {
	run, err := p.db.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	gates := make(map[string]Blocker, 8)

	gates["success"] = Blocker{
		Result: run.ResultCode == "success",
		Details: map[string]interface{}{
			"result_code": run.ResultCode,
			"description": run.Description,
		},
	}

	gates["publish_status"] = Blocker{
		Result:  run.PublishStatus == store.PublishStatusApproved,
		Details: map[string]interface{}{"status": run.PublishStatus},
	}

	codebase, err := p.db.GetCodebase(ctx, run.Codebase)
	if errors.Cause(err) == store.ErrNotFound {
		gates["inactive"] = Blocker{
			Result:  false,
			Details: map[string]interface{}{"codebase": run.Codebase, "known": false},
		}
	} else if err != nil {
		return nil, err
	} else {
		gates["inactive"] = Blocker{
			Result:  !codebase.Inactive,
			Details: map[string]interface{}{"inactive": codebase.Inactive},
		}
	}

	attempts, err := p.db.GetPublishAttemptCount(ctx, run.Revision, backoffExcludedCodes)
	if err != nil {
		return nil, err
	}
	next := CalculateNextTryTime(run.FinishTime, attempts)
	gates["backoff"] = Blocker{
		Result: !p.clock.Now().Before(next),
		Details: map[string]interface{}{
			"attempt_count": attempts,
			"next_try_time": next.Format(time.RFC3339),
		},
	}

	var bucket string
	policy, err := p.db.GetPublishPolicy(ctx, run.Codebase, run.Campaign)
	if errors.Cause(err) == store.ErrNotFound {
		gates["command"] = Blocker{
			Result:  false,
			Details: map[string]interface{}{"run_command": run.Command, "candidate": false},
		}
	} else if err != nil {
		return nil, err
	} else {
		gates["command"] = Blocker{
			Result: policy.Command == "" || run.Command == "" || run.Command == policy.Command,
			Details: map[string]interface{}{
				"run_command":    run.Command,
				"policy_command": policy.Command,
			},
		}
		if policy.Policy != nil {
			bucket = policy.Policy.RateLimitBucket
		}
	}

	limitDetails := map[string]interface{}{"bucket": bucket}
	limitErr := p.limiter.CheckAllowed(bucket)
	var bucketErr *ratelimit.BucketRateLimitedError
	if errors.As(limitErr, &bucketErr) {
		limitDetails["open"] = bucketErr.Open
		limitDetails["max_open"] = bucketErr.MaxOpen
	}
	gates["propose_rate_limit"] = Blocker{Result: limitErr == nil, Details: limitDetails}

	if run.ChangeSet == "" {
		gates["change_set"] = Blocker{Result: true, Details: map[string]interface{}{}}
	} else {
		state, err := p.db.GetChangeSetState(ctx, run.ChangeSet)
		if errors.Cause(err) == store.ErrNotFound {
			state = ""
		} else if err != nil {
			return nil, err
		}
		gates["change_set"] = Blocker{
			Result: state == "" || state == store.ChangeSetReady || state == store.ChangeSetPublishing,
			Details: map[string]interface{}{
				"change_set": run.ChangeSet,
				"state":      state,
			},
		}
	}

	branchName := run.Campaign
	if camp, ok := p.campaigns.Campaign(run.Campaign); ok {
		branchName = camp.BranchName
	}
	previous, err := p.db.PreviousProposals(ctx, run.Codebase, branchName)
	if err != nil {
		return nil, err
	}
	previousMP := Blocker{Result: true, Details: map[string]interface{}{}}
	for _, mp := range previous {
		if mp.Status == store.ProposalOpen {
			continue
		}
		previousMP.Details = map[string]interface{}{"url": mp.URL, "status": mp.Status}
		if mp.Status == store.ProposalRejected || mp.Status == store.ProposalClosed {
			previousMP.Result = false
		}
		break
	}
	gates["previous_mp"] = previousMP

	return gates, nil
}
