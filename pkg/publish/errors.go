package publish

import "fmt"

// PublishFailure is a structured failure from a publish operation. The
// code is one of the Code* constants and ends up in the publish log
// verbatim.
type PublishFailure struct {
	Mode        Mode
	Code        string
	Description string
}

func (e *PublishFailure) Error() string {
	return fmt.Sprintf("publish (%s) failed: %s: %s", e.Mode, e.Code, e.Description)
}

// WorkerInvalidResponse means the publish-one subprocess produced
// something other than the documented success or failure document.
type WorkerInvalidResponse struct {
	Output string
	Err    error
}

func (e *WorkerInvalidResponse) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid response from publish worker: %v: %q", e.Err, e.Output)
	}
	return fmt.Sprintf("invalid response from publish worker: %q", e.Output)
}

// BranchBusyError means another publish holds the lease on the target
// branch. Callers skip and retry on a later cycle; it is never
// recorded as a failure.
type BranchBusyError struct {
	BranchURL string
}

func (e *BranchBusyError) Error() string {
	return fmt.Sprintf("branch %s is busy with another publish", e.BranchURL)
}

// NoRunForMergeProposalError means a proposal could not be traced back
// to any run, and recovery by branch name failed too.
type NoRunForMergeProposalError struct {
	URL string
}

func (e *NoRunForMergeProposalError) Error() string {
	return fmt.Sprintf("no run found for merge proposal %s", e.URL)
}
