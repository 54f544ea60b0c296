package publish

import (
	"context"
	"fmt"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/janitor-ci/janitor/pkg/store"
)

// handlePublishFailure maps a structured publish failure to what gets
// recorded, scheduling remediation runs where a fresh run can actually
// fix things. Codes without a remedy pass through verbatim.
func (p *Publisher) handlePublishFailure(ctx context.Context, logger log.Logger, run *store.PublishReadyRun, failure *PublishFailure) (code, description string) {
	code, description = failure.Code, failure.Description

	switch code {
	case CodeMergeConflict, CodeDivergedBranches:
		// The target moved under us; the codemod has to be re-applied
		// against current upstream.
		p.reschedule(ctx, logger, run.Codebase, run.Campaign, run.Command,
			store.BucketUpdateNewMP, "publisher (diverged from target)")

	case CodeMissingBuildDiffSelf:
		if run.ResultCode != CodeSuccess {
			description = "Missing build diff; run was not actually successful?"
			break
		}
		description = "Missing build artifacts, rescheduling"
		p.reschedule(ctx, logger, run.Codebase, run.Campaign, run.Command,
			store.BucketUpdateNewMP, "publisher (missing build artifacts)")

	case CodeMissingBuildDiffControl:
		control, err := p.db.GetLastEffectiveRun(ctx, run.Codebase, p.campaigns.ControlCampaign)
		switch {
		case errors.Cause(err) == store.ErrNotFound:
			description = "Missing binary diff; requesting control run."
			if run.MainBranchRevision == "" {
				logger.Log("msg", "run has no main branch revision, cannot request control run")
				break
			}
			p.reschedule(ctx, logger, run.Codebase, p.campaigns.ControlCampaign, "",
				store.BucketControl, "publisher (missing control run)")
		case err != nil:
			logger.Log("err", err, "msg", "looking up control run")
		case control.ResultCode != CodeSuccess:
			if control.FailureTransient != nil && *control.FailureTransient {
				description = "Missing build diff; last control run failed with a transient error, rescheduling."
				p.reschedule(ctx, logger, run.Codebase, p.campaigns.ControlCampaign, "",
					store.BucketControl, "publisher (transient control failure)")
				break
			}
			description = fmt.Sprintf("Missing build diff; last control run failed (%s).", control.ResultCode)
		default:
			// The control run succeeded but its artifacts are gone;
			// rebuild them so the comparison can happen.
			description = "Missing build diff; control run artifacts expired, rescheduling control run."
			p.reschedule(ctx, logger, run.Codebase, p.campaigns.ControlCampaign, "",
				store.BucketControl, "publisher (expired control artifacts)")
		}
	}
	return code, description
}
