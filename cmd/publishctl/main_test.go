// Shared test plumbing for the publishctl commands.
package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/janitor-ci/janitor/pkg/publish"
	"github.com/janitor-ci/janitor/pkg/ratelimit"
	"github.com/janitor-ci/janitor/pkg/store"
	"github.com/janitor-ci/janitor/pkg/transport"
	"github.com/janitor-ci/janitor/pkg/transport/client"
)

type stubEngine struct {
	scans     int
	existing  int
	refreshed []string

	publishRunID string
	publishPubs  []*store.Publish
	publishErr   error

	gotCampaign  string
	gotCodebase  string
	gotMode      publish.Mode
	gotRequestor string

	blockers map[string]publish.Blocker
}

func (e *stubEngine) AskForScan()          { e.scans++ }
func (e *stubEngine) AskForExistingCheck() { e.existing++ }

func (e *stubEngine) CheckStragglers(ctx context.Context) error { return nil }

func (e *stubEngine) RefreshProposal(ctx context.Context, url string) error {
	e.refreshed = append(e.refreshed, url)
	return nil
}

func (e *stubEngine) PublishManually(ctx context.Context, campaign, codebase string, mode publish.Mode, requestor string) (string, []*store.Publish, error) {
	e.gotCampaign, e.gotCodebase = campaign, codebase
	e.gotMode, e.gotRequestor = mode, requestor
	return e.publishRunID, e.publishPubs, e.publishErr
}

func (e *stubEngine) Blockers(ctx context.Context, runID string) (map[string]publish.Blocker, error) {
	if e.blockers == nil {
		return nil, store.ErrNotFound
	}
	return e.blockers, nil
}

type memPolicies struct {
	policies map[string]*store.PublishPolicy
}

func newMemPolicies() *memPolicies {
	return &memPolicies{policies: map[string]*store.PublishPolicy{}}
}

func (m *memPolicies) GetNamedPolicy(ctx context.Context, name string) (*store.PublishPolicy, error) {
	p, ok := m.policies[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (m *memPolicies) PutNamedPolicy(ctx context.Context, policy *store.PublishPolicy) (bool, error) {
	_, existed := m.policies[policy.Name]
	m.policies[policy.Name] = policy
	return !existed, nil
}

func (m *memPolicies) DeleteNamedPolicy(ctx context.Context, name string) error {
	if _, ok := m.policies[name]; !ok {
		return store.ErrNotFound
	}
	delete(m.policies, name)
	return nil
}

func (m *memPolicies) ListNamedPolicies(ctx context.Context, bucket string) ([]store.PublishPolicy, error) {
	var out []store.PublishPolicy
	for _, p := range m.policies {
		if bucket != "" && p.RateLimitBucket != bucket {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

type testFixture struct {
	engine   *stubEngine
	policies *memPolicies
	limiter  ratelimit.RateLimiter
}

func newTestRoot(t *testing.T, fix *testFixture) *rootOpts {
	t.Helper()
	if fix.engine == nil {
		fix.engine = &stubEngine{}
	}
	if fix.policies == nil {
		fix.policies = newMemPolicies()
	}
	server := transport.NewServer(fix.engine, fix.policies, fix.limiter, nil, nil, log.NewNopLogger())
	srv := httptest.NewServer(transport.NewHandler(server, transport.NewRouter()))
	t.Cleanup(srv.Close)
	return &rootOpts{API: client.New(http.DefaultClient, transport.NewRouter(), srv.URL)}
}

func runCommand(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return buf.String()
}

func runCommandExpectError(t *testing.T, cmd *cobra.Command, args ...string) error {
	t.Helper()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetArgs(args)
	err := cmd.Execute()
	require.Error(t, err)
	return err
}
