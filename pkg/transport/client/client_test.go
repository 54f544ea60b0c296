package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janitor-ci/janitor/pkg/publish"
	"github.com/janitor-ci/janitor/pkg/ratelimit"
	"github.com/janitor-ci/janitor/pkg/store"
	"github.com/janitor-ci/janitor/pkg/transport"
)

type stubEngine struct {
	mu             sync.Mutex
	scans          int
	existingChecks int
	stragglers     int
	refreshed      []string

	publishRunID string
	publishPubs  []*store.Publish
	publishErr   error
	gotCampaign  string
	gotCodebase  string
	gotMode      publish.Mode
	gotRequestor string

	blockers map[string]publish.Blocker
}

func (e *stubEngine) AskForScan() {
	e.mu.Lock()
	e.scans++
	e.mu.Unlock()
}

func (e *stubEngine) AskForExistingCheck() {
	e.mu.Lock()
	e.existingChecks++
	e.mu.Unlock()
}

func (e *stubEngine) CheckStragglers(ctx context.Context) error {
	e.mu.Lock()
	e.stragglers++
	e.mu.Unlock()
	return nil
}

func (e *stubEngine) RefreshProposal(ctx context.Context, url string) error {
	e.mu.Lock()
	e.refreshed = append(e.refreshed, url)
	e.mu.Unlock()
	return nil
}

func (e *stubEngine) PublishManually(ctx context.Context, campaign, codebase string, overrideMode publish.Mode, requestor string) (string, []*store.Publish, error) {
	e.mu.Lock()
	e.gotCampaign, e.gotCodebase, e.gotMode, e.gotRequestor = campaign, codebase, overrideMode, requestor
	e.mu.Unlock()
	return e.publishRunID, e.publishPubs, e.publishErr
}

func (e *stubEngine) Blockers(ctx context.Context, runID string) (map[string]publish.Blocker, error) {
	if e.blockers == nil {
		return nil, store.ErrNotFound
	}
	return e.blockers, nil
}

type memPolicies struct {
	mu       sync.Mutex
	policies map[string]*store.PublishPolicy
}

func (m *memPolicies) GetNamedPolicy(ctx context.Context, name string) (*store.PublishPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (m *memPolicies) PutNamedPolicy(ctx context.Context, p *store.PublishPolicy) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.policies == nil {
		m.policies = map[string]*store.PublishPolicy{}
	}
	_, existed := m.policies[p.Name]
	m.policies[p.Name] = p
	return !existed, nil
}

func (m *memPolicies) DeleteNamedPolicy(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[name]; !ok {
		return store.ErrNotFound
	}
	delete(m.policies, name)
	return nil
}

func (m *memPolicies) ListNamedPolicies(ctx context.Context, bucket string) ([]store.PublishPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PublishPolicy
	for _, p := range m.policies {
		if bucket == "" || p.RateLimitBucket == bucket {
			out = append(out, *p)
		}
	}
	return out, nil
}

func newTestClient(t *testing.T, engine transport.Engine, limiter ratelimit.RateLimiter) *Client {
	t.Helper()
	if limiter == nil {
		limiter = ratelimit.NewNonRateLimiter()
	}
	s := transport.NewServer(engine, &memPolicies{}, limiter, nil, nil, log.NewNopLogger())
	srv := httptest.NewServer(transport.NewHandler(s, transport.NewRouter()))
	t.Cleanup(srv.Close)
	return New(http.DefaultClient, transport.NewRouter(), srv.URL)
}

func TestScanAndAutopublish(t *testing.T) {
	engine := &stubEngine{}
	c := newTestClient(t, engine, nil)

	require.NoError(t, c.Scan(context.Background()))
	assert.Equal(t, 1, engine.scans)

	require.NoError(t, c.Autopublish(context.Background()))
	assert.Equal(t, 2, engine.scans)
	assert.Equal(t, 1, engine.existingChecks)
}

func TestRefreshStatusSendsForm(t *testing.T) {
	engine := &stubEngine{}
	c := newTestClient(t, engine, nil)

	require.NoError(t, c.RefreshStatus(context.Background(), "https://github.com/jelmer/dulwich/pull/1"))
	assert.Equal(t, []string{"https://github.com/jelmer/dulwich/pull/1"}, engine.refreshed)
}

func TestPublishRoundTrip(t *testing.T) {
	engine := &stubEngine{
		publishRunID: "run-1",
		publishPubs:  []*store.Publish{{ID: "pub-1", Role: "main", Mode: "push"}},
	}
	c := newTestClient(t, engine, nil)

	res, err := c.Publish(context.Background(), "lintian-fixes", "dulwich", "push", "alice")
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "push", res.Mode)
	require.Len(t, res.Publishes, 1)
	assert.Equal(t, "pub-1", res.Publishes[0].PublishID)

	assert.Equal(t, "lintian-fixes", engine.gotCampaign)
	assert.Equal(t, "dulwich", engine.gotCodebase)
	assert.Equal(t, publish.ModePush, engine.gotMode)
	assert.Equal(t, "alice", engine.gotRequestor)
}

func TestPublishFailureComesBackStructured(t *testing.T) {
	engine := &stubEngine{
		publishErr: &publish.PublishFailure{Code: "push-denied", Description: "no access"},
	}
	c := newTestClient(t, engine, nil)

	_, err := c.Publish(context.Background(), "lintian-fixes", "dulwich", "", "")
	require.Error(t, err)
	apiErr, ok := err.(*transport.APIError)
	require.True(t, ok, "expected *transport.APIError, got %T", err)
	assert.Equal(t, "push-denied", apiErr.Code)
	assert.Equal(t, "no access", apiErr.Description)
}

func TestPublishNoEffectiveRun(t *testing.T) {
	engine := &stubEngine{publishErr: store.ErrNotFound}
	c := newTestClient(t, engine, nil)

	_, err := c.Publish(context.Background(), "lintian-fixes", "nonesuch", "", "")
	require.Error(t, err)
	apiErr, ok := err.(*transport.APIError)
	require.True(t, ok, "expected *transport.APIError, got %T", err)
	assert.Contains(t, apiErr.Description, "no effective run")
}

func TestRateLimits(t *testing.T) {
	limiter := ratelimit.NewFixedRateLimiter(5)
	limiter.SetProposalCounts(map[string]ratelimit.Counts{"debian": {Open: 2}})
	c := newTestClient(t, &stubEngine{}, limiter)

	res, err := c.RateLimits(context.Background())
	require.NoError(t, err)
	require.Contains(t, res.PerBucket, "debian")
	assert.Equal(t, 2, res.PerBucket["debian"].Open)

	res, err = c.BucketRateLimit(context.Background(), "debian")
	require.NoError(t, err)
	require.Len(t, res.PerBucket, 1)

	_, err = c.BucketRateLimit(context.Background(), "nonesuch")
	require.Error(t, err)
}

func TestBlockers(t *testing.T) {
	engine := &stubEngine{
		blockers: map[string]publish.Blocker{
			"backoff": {Result: false, Details: map[string]interface{}{"attempt_count": float64(3)}},
		},
	}
	c := newTestClient(t, engine, nil)

	blockers, err := c.Blockers(context.Background(), "run-1")
	require.NoError(t, err)
	require.Contains(t, blockers, "backoff")
	assert.False(t, blockers["backoff"].Result)

	engine.blockers = nil
	_, err = c.Blockers(context.Background(), "nonesuch")
	require.Error(t, err)
}

func TestPolicyRoundTrip(t *testing.T) {
	c := newTestClient(t, &stubEngine{}, nil)
	ctx := context.Background()

	policy := &store.PublishPolicy{
		Name:            "default",
		QAReview:        store.QAReviewRequired,
		RateLimitBucket: "debian",
		PerBranch: map[string]store.BranchPolicy{
			"main": {Mode: "propose", MaxFrequencyDays: 7},
		},
	}
	require.NoError(t, c.PutPolicy(ctx, policy))

	got, err := c.GetPolicy(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, policy, got)

	list, err := c.ListPolicies(ctx, "debian")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "default", list[0].Name)

	list, err = c.ListPolicies(ctx, "gnome")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, c.DeletePolicy(ctx, "default"))
	_, err = c.GetPolicy(ctx, "default")
	require.Error(t, err)
}
