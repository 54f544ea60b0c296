// Package vcs is a client for the janitor's VCS store, which holds the
// result branches produced by runs. The publisher never keeps local
// clones; it resolves branch URLs for publish-one to fetch from, and
// asks the store for diffs between revisions.
package vcs

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/pkg/errors"
)

// Manager resolves run branches and revision diffs.
type Manager interface {
	// BranchURL returns the URL publish-one can fetch the named branch
	// of the codebase from.
	BranchURL(codebase, branchName string) string

	// Diff returns the textual diff between two revisions of a
	// codebase.
	Diff(ctx context.Context, codebase, oldRevision, newRevision string) ([]byte, error)
}

// RemoteManager is a Manager backed by the VCS store's HTTP interface.
type RemoteManager struct {
	base   *url.URL
	client *http.Client
}

var _ Manager = &RemoteManager{}

// NewRemoteManager returns a Manager for the VCS store at base.
func NewRemoteManager(base string) (*RemoteManager, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrap(err, "parsing VCS store URL")
	}
	return &RemoteManager{
		base:   u,
		client: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// BranchURL encodes the branch name as a query parameter on the
// repository URL; SplitBranchURL is its inverse.
func (m *RemoteManager) BranchURL(codebase, branchName string) string {
	u := *m.base
	u.Path = path.Join(u.Path, "git", codebase)
	q := u.Query()
	q.Set("branch", branchName)
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *RemoteManager) Diff(ctx context.Context, codebase, oldRevision, newRevision string) ([]byte, error) {
	u := *m.base
	u.Path = path.Join(u.Path, "git", codebase, "diff")
	q := u.Query()
	q.Set("old", oldRevision)
	q.Set("new", newRevision)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching diff")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetching diff: unexpected status %s", resp.Status)
	}
	return ioutil.ReadAll(resp.Body)
}

// SplitBranchURL splits a branch URL produced by BranchURL into the
// plain repository URL and the branch name. An absent branch parameter
// means the repository's default branch (empty name).
func SplitBranchURL(branchURL string) (repoURL, branchName string, err error) {
	u, err := url.Parse(branchURL)
	if err != nil {
		return "", "", errors.Wrap(err, "parsing branch URL")
	}
	q := u.Query()
	branchName = q.Get("branch")
	q.Del("branch")
	u.RawQuery = q.Encode()
	return u.String(), branchName, nil
}

// JoinBranchURL is BranchURL for URLs outside the VCS store, e.g.
// forge-side target branches.
func JoinBranchURL(repoURL, branchName string) string {
	if branchName == "" {
		return repoURL
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return fmt.Sprintf("%s?branch=%s", repoURL, url.QueryEscape(branchName))
	}
	q := u.Query()
	q.Set("branch", branchName)
	u.RawQuery = q.Encode()
	return u.String()
}
