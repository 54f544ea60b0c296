package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/janitor-ci/janitor/pkg/forge"
	"github.com/janitor-ci/janitor/pkg/publish"
	"github.com/janitor-ci/janitor/pkg/ratelimit"
	"github.com/janitor-ci/janitor/pkg/store"
)

// Engine is the part of the publisher driven from the HTTP surface.
type Engine interface {
	AskForScan()
	AskForExistingCheck()
	CheckStragglers(ctx context.Context) error
	RefreshProposal(ctx context.Context, url string) error
	PublishManually(ctx context.Context, campaign, codebase string, overrideMode publish.Mode, requestor string) (string, []*store.Publish, error)
	Blockers(ctx context.Context, runID string) (map[string]publish.Blocker, error)
}

// PolicyStore is the slice of the store backing the policy endpoints.
type PolicyStore interface {
	GetNamedPolicy(ctx context.Context, name string) (*store.PublishPolicy, error)
	PutNamedPolicy(ctx context.Context, p *store.PublishPolicy) (bool, error)
	DeleteNamedPolicy(ctx context.Context, name string) error
	ListNamedPolicies(ctx context.Context, bucket string) ([]store.PublishPolicy, error)
}

// HTTPServer serves the publisher's control API.
type HTTPServer struct {
	engine   Engine
	policies PolicyStore
	limiter  ratelimit.RateLimiter
	bus      Subscriber
	ready    func(context.Context) error
	logger   log.Logger
}

// NewServer assembles an HTTPServer. bus may be nil, in which case the
// websocket endpoints report that no notification bus is configured;
// ready may be nil, in which case /ready always succeeds.
func NewServer(engine Engine, policies PolicyStore, limiter ratelimit.RateLimiter, bus Subscriber, ready func(context.Context) error, logger log.Logger) *HTTPServer {
	return &HTTPServer{
		engine:   engine,
		policies: policies,
		limiter:  limiter,
		bus:      bus,
		ready:    ready,
		logger:   logger,
	}
}

// NewHandler binds the server's methods to the router's named routes
// and wraps the result in request instrumentation.
func NewHandler(s *HTTPServer, r *mux.Router) http.Handler {
	r.Get(Health).HandlerFunc(s.Health)
	r.Get(Ready).HandlerFunc(s.Ready)
	r.Get(Metrics).Handler(promhttp.Handler())

	r.Get(Scan).HandlerFunc(s.Scan)
	r.Get(Autopublish).HandlerFunc(s.Autopublish)
	r.Get(CheckStragglers).HandlerFunc(s.CheckStragglers)
	r.Get(RefreshStatus).HandlerFunc(s.RefreshStatus)

	r.Get(RateLimits).HandlerFunc(s.RateLimits)
	r.Get(BucketRateLimit).HandlerFunc(s.BucketRateLimit)
	r.Get(Blockers).HandlerFunc(s.Blockers)

	r.Get(ListPolicies).HandlerFunc(s.ListPolicies)
	r.Get(GetPolicy).HandlerFunc(s.GetPolicy)
	r.Get(PutPolicy).HandlerFunc(s.PutPolicy)
	r.Get(DeletePolicy).HandlerFunc(s.DeletePolicy)

	r.Get(WSPublish).HandlerFunc(s.WSPublish)
	r.Get(WSMergeProposal).HandlerFunc(s.WSMergeProposal)

	r.Get(Publish).HandlerFunc(s.Publish)

	return instrument(r, r)
}

// PublishedBranch names one branch a manual publish dispatched, with
// the publish log entry recording the attempt.
type PublishedBranch struct {
	Role      string `json:"role"`
	PublishID string `json:"publish_id"`
}

// PublishResult is the response to a manual publish request.
type PublishResult struct {
	RunID       string            `json:"run_id"`
	Mode        string            `json:"mode,omitempty"`
	Code        string            `json:"code,omitempty"`
	Description string            `json:"description,omitempty"`
	Publishes   []PublishedBranch `json:"publishes,omitempty"`
}

// Publish triggers a manual publish of the latest effective run for a
// (campaign, codebase) pair, optionally overriding the policy mode.
func (s *HTTPServer) Publish(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	campaign, codebase := vars["campaign"], vars["codebase"]

	var body struct {
		Mode      string `json:"mode"`
		Requestor string `json:"requestor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		WriteError(w, r, http.StatusBadRequest, errors.Wrap(err, "decoding request body"))
		return
	}
	var overrideMode publish.Mode
	if body.Mode != "" {
		var err error
		overrideMode, err = publish.ParseMode(body.Mode)
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, err)
			return
		}
	}
	requestor := body.Requestor
	if requestor == "" {
		requestor = "web"
	}

	runID, pubs, err := s.engine.PublishManually(r.Context(), campaign, codebase, overrideMode, requestor)
	if errors.Cause(err) == store.ErrNotFound {
		WriteError(w, r, http.StatusNotFound, errors.Errorf("no effective run for %s/%s", campaign, codebase))
		return
	}
	var failure *publish.PublishFailure
	if errors.As(err, &failure) {
		JSONResponse(w, r, http.StatusBadRequest, &APIError{Code: failure.Code, Description: failure.Description})
		return
	}
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, err)
		return
	}
	if len(pubs) == 0 {
		JSONResponse(w, r, http.StatusOK, PublishResult{
			RunID:       runID,
			Code:        "done",
			Description: "Nothing left to publish.",
		})
		return
	}
	resp := PublishResult{RunID: runID, Mode: string(overrideMode)}
	if resp.Mode == "" {
		resp.Mode = pubs[0].Mode
	}
	for _, pub := range pubs {
		resp.Publishes = append(resp.Publishes, PublishedBranch{Role: pub.Role, PublishID: pub.ID})
	}
	JSONResponse(w, r, http.StatusAccepted, resp)
}

type ack struct {
	Status string `json:"status"`
}

// Scan kicks a scan of publish-ready runs.
func (s *HTTPServer) Scan(w http.ResponseWriter, r *http.Request) {
	s.engine.AskForScan()
	JSONResponse(w, r, http.StatusAccepted, ack{Status: "scan requested"})
}

// Autopublish kicks a full cycle: publish-ready runs plus a re-scan of
// existing proposals.
func (s *HTTPServer) Autopublish(w http.ResponseWriter, r *http.Request) {
	s.engine.AskForScan()
	s.engine.AskForExistingCheck()
	JSONResponse(w, r, http.StatusAccepted, ack{Status: "autopublish requested"})
}

// CheckStragglers re-scans proposals the regular cycle has not seen in
// a while. The check runs in the background; failures are logged.
func (s *HTTPServer) CheckStragglers(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := s.engine.CheckStragglers(context.Background()); err != nil {
			s.logger.Log("err", err, "msg", "checking stragglers")
		}
	}()
	JSONResponse(w, r, http.StatusAccepted, ack{Status: "straggler check requested"})
}

// RefreshStatus re-scans a single proposal by URL, synchronously.
func (s *HTTPServer) RefreshStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteError(w, r, http.StatusBadRequest, errors.Wrap(err, "parsing form"))
		return
	}
	url := r.Form.Get("url")
	if url == "" {
		WriteError(w, r, http.StatusBadRequest, errors.New("missing form value: url"))
		return
	}
	err := s.engine.RefreshProposal(r.Context(), url)
	var noRun *publish.NoRunForMergeProposalError
	switch {
	case err == nil, errors.As(err, &noRun):
		// A proposal we cannot trace back to a run still got scanned.
		JSONResponse(w, r, http.StatusAccepted, ack{Status: fmt.Sprintf("refreshed %s", url)})
	case errors.Cause(err) == forge.ErrUnsupportedForge:
		WriteError(w, r, http.StatusBadRequest, err)
	default:
		WriteError(w, r, http.StatusInternalServerError, err)
	}
}

// BucketStats is one bucket's rate-limit state. MaxOpen and Remaining
// are null for buckets with no cap.
type BucketStats struct {
	Open      int  `json:"open"`
	MaxOpen   *int `json:"max_open"`
	Remaining *int `json:"remaining"`
}

// RateLimitStats is the limiter's per-bucket view.
type RateLimitStats struct {
	PerBucket map[string]BucketStats `json:"per_bucket"`
}

func toBucketStats(st ratelimit.Stats) BucketStats {
	out := BucketStats{Open: st.Open, MaxOpen: st.MaxOpen}
	if st.MaxOpen != nil {
		remaining := *st.MaxOpen - st.Open
		if remaining < 0 {
			remaining = 0
		}
		out.Remaining = &remaining
	}
	return out
}

// RateLimits reports the limiter's per-bucket state.
func (s *HTTPServer) RateLimits(w http.ResponseWriter, r *http.Request) {
	resp := RateLimitStats{PerBucket: map[string]BucketStats{}}
	for bucket, st := range s.limiter.Stats() {
		resp.PerBucket[bucket] = toBucketStats(st)
	}
	JSONResponse(w, r, http.StatusOK, resp)
}

// BucketRateLimit reports the limiter's state for one bucket.
func (s *HTTPServer) BucketRateLimit(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	st, ok := s.limiter.Stats()[bucket]
	if !ok {
		WriteError(w, r, http.StatusNotFound, errors.Errorf("no rate-limit state for bucket %q", bucket))
		return
	}
	JSONResponse(w, r, http.StatusOK, RateLimitStats{
		PerBucket: map[string]BucketStats{bucket: toBucketStats(st)},
	})
}

// Blockers reports, gate by gate, what keeps a run from publishing.
func (s *HTTPServer) Blockers(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	blockers, err := s.engine.Blockers(r.Context(), runID)
	if errors.Cause(err) == store.ErrNotFound {
		WriteError(w, r, http.StatusNotFound, errors.Errorf("no run %q", runID))
		return
	}
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, err)
		return
	}
	JSONResponse(w, r, http.StatusOK, blockers)
}

// ListPolicies lists named publish policies, optionally filtered by
// rate-limit bucket via ?bucket=.
func (s *HTTPServer) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.policies.ListNamedPolicies(r.Context(), r.URL.Query().Get("bucket"))
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, err)
		return
	}
	if policies == nil {
		policies = []store.PublishPolicy{}
	}
	JSONResponse(w, r, http.StatusOK, policies)
}

// GetPolicy fetches one named publish policy.
func (s *HTTPServer) GetPolicy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	policy, err := s.policies.GetNamedPolicy(r.Context(), name)
	if errors.Cause(err) == store.ErrNotFound {
		WriteError(w, r, http.StatusNotFound, errors.Errorf("no policy %q", name))
		return
	}
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, err)
		return
	}
	JSONResponse(w, r, http.StatusOK, policy)
}

// PutPolicy creates or replaces a named publish policy. The name in the
// URL wins over any name in the body.
func (s *HTTPServer) PutPolicy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var policy store.PublishPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		WriteError(w, r, http.StatusBadRequest, errors.Wrap(err, "decoding policy"))
		return
	}
	policy.Name = name
	created, err := s.policies.PutNamedPolicy(r.Context(), &policy)
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	JSONResponse(w, r, code, policy)
}

// DeletePolicy removes a named publish policy.
func (s *HTTPServer) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	err := s.policies.DeleteNamedPolicy(r.Context(), name)
	if errors.Cause(err) == store.ErrNotFound {
		WriteError(w, r, http.StatusNotFound, errors.Errorf("no policy %q", name))
		return
	}
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports liveness.
func (s *HTTPServer) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// Ready reports readiness; with a readiness check configured, that
// means the database is reachable.
func (s *HTTPServer) Ready(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			WriteError(w, r, http.StatusServiceUnavailable, errors.Wrap(err, "not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}
