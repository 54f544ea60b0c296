package publish

// Result codes recorded in the publish log. "success" aside, these are
// the structured failure codes emitted by publish-one or synthesized by
// the engine before it ever spawns the subprocess.
const (
	CodeSuccess = "success"

	// Emitted by publish-one.
	CodeUnsupportedForge   = "unsupported-forge"
	CodeUnsupportedVCS     = "unsupported-vcs"
	CodeDivergedBranches   = "diverged-branches"
	CodeMergeConflict      = "merge-conflict"
	CodeEmptyMergeProposal = "empty-merge-proposal"
	CodePushDenied         = "push-denied"
	CodePushFailed         = "push-failed"
	CodeProposeFailed      = "propose-failed"
	CodeProposeNotAllowed  = "propose-not-allowed"
	CodeRevisionMismatch   = "revision-mismatch"
	CodeBranchUnavailable  = "branch-temporarily-unavailable"

	// Synthesized by the engine.
	CodeDifferUnreachable       = "differ-unreachable"
	CodeMissingBuildDiffSelf    = "missing-build-diff-self"
	CodeMissingBuildDiffControl = "missing-build-diff-control"
	CodeWorkerFailure           = "worker-failure"
)

// ResultCodeNothingToDo is the run result code meaning the codemod
// found nothing left to change; an open proposal for such a run has
// been applied independently.
const ResultCodeNothingToDo = "nothing-to-do"

// backoffExcludedCodes are publish outcomes that do not count as
// attempts for backoff purposes; a differ outage should not push the
// next real attempt a week out.
var backoffExcludedCodes = []string{CodeDifferUnreachable}
