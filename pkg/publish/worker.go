package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/janitor-ci/janitor/pkg/differ"
	"github.com/janitor-ci/janitor/pkg/publock"
	"github.com/janitor-ci/janitor/pkg/pubsub"
	"github.com/janitor-ci/janitor/pkg/ratelimit"
)

// Request is the JSON document handed to the publish-one executable on
// stdin. It carries everything needed to publish one result branch, so
// the subprocess never touches the database.
type Request struct {
	Campaign            string                 `json:"campaign"`
	Codebase            string                 `json:"codebase"`
	Command             string                 `json:"command,omitempty"`
	TargetBranchURL     string                 `json:"target_branch_url"`
	SourceBranchURL     string                 `json:"source_branch_url"`
	ExistingMPURL       string                 `json:"existing_mp_url,omitempty"`
	DerivedBranchName   string                 `json:"derived_branch_name"`
	Mode                Mode                   `json:"mode"`
	Role                string                 `json:"role"`
	LogID               string                 `json:"log_id"`
	UnchangedID         string                 `json:"unchanged_id,omitempty"`
	Revision            string                 `json:"revision"`
	Tags                map[string]string      `json:"tags,omitempty"`
	RequireBinaryDiff   bool                   `json:"require_binary_diff,omitempty"`
	Debdiff             string                 `json:"debdiff,omitempty"`
	AllowCreateProposal bool                   `json:"allow_create_proposal"`
	CommitMessageTmpl   string                 `json:"commit_message_template,omitempty"`
	TitleTmpl           string                 `json:"title_template,omitempty"`
	DescriptionTmpl     string                 `json:"description_template,omitempty"`
	CodemodResult       json.RawMessage        `json:"codemod_result,omitempty"`
	ExtraContext        map[string]interface{} `json:"extra_context,omitempty"`
	Reviewers           []string               `json:"reviewers,omitempty"`
	AutoMerge           bool                   `json:"auto_merge,omitempty"`
}

// Result is what publish-one reports on stdout when it succeeds.
type Result struct {
	ProposalURL        string `json:"proposal_url,omitempty"`
	ProposalWebURL     string `json:"proposal_web_url,omitempty"`
	IsNew              bool   `json:"is_new,omitempty"`
	BranchName         string `json:"branch_name"`
	TargetBranchURL    string `json:"target_branch_url"`
	TargetBranchWebURL string `json:"target_branch_web_url,omitempty"`
	Description        string `json:"description"`
}

// EffectiveMode resolves what actually happened: an attempt-push is
// recorded as propose when a proposal came back, push otherwise.
func (r *Result) EffectiveMode(requested Mode) Mode {
	if requested != ModeAttemptPush {
		return requested
	}
	if r.ProposalURL != "" {
		return ModePropose
	}
	return ModePush
}

// failureDocument is what publish-one reports on stdout when it exits 1.
type failureDocument struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Invoker runs a single-branch publish operation.
type Invoker interface {
	Invoke(ctx context.Context, req *Request) (*Result, error)
}

// ExecInvoker runs the publish-one executable as a subprocess. Forge
// SDK failures and hangs stay isolated in the child; the parent only
// ever parses exit codes and JSON.
type ExecInvoker struct {
	Path    string
	Args    []string
	Timeout time.Duration
	Logger  log.Logger
}

func (i *ExecInvoker) Invoke(ctx context.Context, req *Request) (*Result, error) {
	if i.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.Timeout)
		defer cancel()
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling publish request")
	}

	cmd := exec.CommandContext(ctx, i.Path, i.Args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if i.Logger != nil && stderr.Len() > 0 {
		i.Logger.Log("cmd", i.Path, "stderr", stderr.String())
	}
	if runErr == nil {
		var res Result
		if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
			return nil, &WorkerInvalidResponse{Output: stdout.String(), Err: err}
		}
		return &res, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		var doc failureDocument
		if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil || doc.Code == "" {
			return nil, &WorkerInvalidResponse{Output: stdout.String(), Err: err}
		}
		return nil, &PublishFailure{Mode: req.Mode, Code: doc.Code, Description: doc.Description}
	}
	if ctx.Err() != nil {
		return nil, errors.Wrap(ctx.Err(), "running publish worker")
	}
	return nil, &WorkerInvalidResponse{Output: stderr.String(), Err: runErr}
}

// Unlocker releases a branch lease.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Locker hands out branch leases. TryLock never blocks; contention
// comes back as publock.ErrBusy.
type Locker interface {
	TryLock(ctx context.Context, branchURL string) (Unlocker, error)
}

type dbLocker struct {
	l *publock.Locker
}

// NewPublockLocker adapts an advisory-lock locker to the Locker
// interface used here.
func NewPublockLocker(l *publock.Locker) Locker {
	return dbLocker{l}
}

func (d dbLocker) TryLock(ctx context.Context, branchURL string) (Unlocker, error) {
	lease, err := d.l.TryLock(ctx, branchURL)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Differ fetches the binary diff between a control run and a changed
// run.
type Differ interface {
	DebDiff(ctx context.Context, unchangedID, changedID string) ([]byte, error)
}

// Worker performs single-branch publishes: it prepares the request,
// holds the branch lease around the subprocess, and reports new
// proposals to the bus and the rate limiter.
type Worker struct {
	invoker Invoker
	locker  Locker
	differ  Differ
	bus     pubsub.Publisher
	limiter ratelimit.RateLimiter
	logger  log.Logger
}

// NewWorker builds a Worker. locker may be nil, in which case publishes
// are not serialized across processes. differ may be nil when binary
// diffs are never required.
func NewWorker(invoker Invoker, locker Locker, d Differ, bus pubsub.Publisher, limiter ratelimit.RateLimiter, logger log.Logger) *Worker {
	if bus == nil {
		bus = pubsub.NopPublisher{}
	}
	if limiter == nil {
		limiter = ratelimit.NewNonRateLimiter()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Worker{invoker: invoker, locker: locker, differ: d, bus: bus, limiter: limiter, logger: logger}
}

// Publish runs one publish operation. The returned error is a
// *PublishFailure for structured failures, a *BranchBusyError when the
// lease is contended, or a *WorkerInvalidResponse when the subprocess
// misbehaved.
func (w *Worker) Publish(ctx context.Context, req *Request, bucket string) (*Result, error) {
	if req.RequireBinaryDiff && req.Debdiff == "" {
		diff, err := w.differ.DebDiff(ctx, req.UnchangedID, req.LogID)
		if err != nil {
			return nil, w.mapDifferError(req, err)
		}
		req.Debdiff = string(diff)
	}

	if w.locker != nil {
		lease, err := w.locker.TryLock(ctx, req.TargetBranchURL)
		if err != nil {
			if errors.Cause(err) == publock.ErrBusy {
				return nil, &BranchBusyError{BranchURL: req.TargetBranchURL}
			}
			return nil, errors.Wrap(err, "acquiring branch lease")
		}
		// Release with a fresh context: the lease must not leak even
		// when ctx is already cancelled at defer time.
		defer func() {
			if uerr := lease.Unlock(context.Background()); uerr != nil {
				w.logger.Log("err", uerr, "branch_url", req.TargetBranchURL, "msg", "releasing branch lease")
			}
		}()
	}

	res, err := w.invoker.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	if res.ProposalURL != "" && res.IsNew {
		w.limiter.Inc(bucket)
		notification := map[string]interface{}{
			"url":      res.ProposalURL,
			"web_url":  res.ProposalWebURL,
			"status":   "open",
			"codebase": req.Codebase,
			"campaign": req.Campaign,
		}
		if err := w.bus.Publish(pubsub.TopicMergeProposal, notification); err != nil {
			w.logger.Log("err", err, "msg", "publishing merge-proposal notification")
		}
	}
	return res, nil
}

func (w *Worker) mapDifferError(req *Request, err error) error {
	var unavailable *differ.DiffUnavailableError
	if errors.As(err, &unavailable) {
		code := CodeMissingBuildDiffControl
		desc := "build diff missing: control run " + req.UnchangedID + " has no artifacts"
		if unavailable.RunID == req.LogID {
			code = CodeMissingBuildDiffSelf
			desc = "build diff missing: run " + req.LogID + " has no artifacts"
		}
		return &PublishFailure{Mode: req.Mode, Code: code, Description: desc}
	}
	var unreachable *differ.UnreachableError
	if errors.As(err, &unreachable) {
		return &PublishFailure{Mode: req.Mode, Code: CodeDifferUnreachable, Description: err.Error()}
	}
	return err
}
