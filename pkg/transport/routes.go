// Package transport is the publisher's control surface: the HTTP API
// the daemon serves and the client publishctl talks to it with. Routes
// are named so URLs are constructed the same way on both sides.
package transport

import "github.com/gorilla/mux"

// Route names.
const (
	Publish         = "Publish"
	Scan            = "Scan"
	Autopublish     = "Autopublish"
	CheckStragglers = "CheckStragglers"
	RefreshStatus   = "RefreshStatus"
	RateLimits      = "RateLimits"
	BucketRateLimit = "BucketRateLimit"
	Blockers        = "Blockers"
	ListPolicies    = "ListPolicies"
	GetPolicy       = "GetPolicy"
	PutPolicy       = "PutPolicy"
	DeletePolicy    = "DeletePolicy"
	Health          = "Health"
	Ready           = "Ready"
	Metrics         = "Metrics"
	WSPublish       = "WSPublish"
	WSMergeProposal = "WSMergeProposal"
)

// NewRouter declares every route of the control surface. Handlers are
// attached by NewHandler on the server side; the client only needs the
// routes themselves.
func NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.NewRoute().Name(Health).Methods("GET").Path("/health")
	r.NewRoute().Name(Ready).Methods("GET").Path("/ready")
	r.NewRoute().Name(Metrics).Methods("GET").Path("/metrics")

	r.NewRoute().Name(Scan).Methods("POST").Path("/scan")
	r.NewRoute().Name(Autopublish).Methods("POST").Path("/autopublish")
	r.NewRoute().Name(CheckStragglers).Methods("POST").Path("/check-stragglers")
	r.NewRoute().Name(RefreshStatus).Methods("POST").Path("/refresh-status")

	r.NewRoute().Name(RateLimits).Methods("GET").Path("/rate-limits")
	r.NewRoute().Name(BucketRateLimit).Methods("GET").Path("/rate-limits/{bucket}")
	r.NewRoute().Name(Blockers).Methods("GET").Path("/blockers/{run_id}")

	r.NewRoute().Name(ListPolicies).Methods("GET").Path("/policy")
	r.NewRoute().Name(GetPolicy).Methods("GET").Path("/policy/{name}")
	r.NewRoute().Name(PutPolicy).Methods("PUT").Path("/policy/{name}")
	r.NewRoute().Name(DeletePolicy).Methods("DELETE").Path("/policy/{name}")

	r.NewRoute().Name(WSPublish).Methods("GET").Path("/ws/publish")
	r.NewRoute().Name(WSMergeProposal).Methods("GET").Path("/ws/merge-proposal")

	// Last: the publish trigger is the only route with free-form path
	// segments.
	r.NewRoute().Name(Publish).Methods("POST").Path("/{campaign}/{codebase}/publish")

	return r
}
