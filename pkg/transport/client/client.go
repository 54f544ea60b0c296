// Package client talks to the publisher daemon's control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/janitor-ci/janitor/pkg/publish"
	"github.com/janitor-ci/janitor/pkg/store"
	"github.com/janitor-ci/janitor/pkg/transport"
)

// Client resolves routes against the daemon's router, so client and
// server cannot drift apart on paths.
type Client struct {
	client   *http.Client
	router   *mux.Router
	endpoint string
}

func New(c *http.Client, router *mux.Router, endpoint string) *Client {
	return &Client{
		client:   c,
		router:   router,
		endpoint: endpoint,
	}
}

// Scan asks the daemon for a scan of publish-ready runs.
func (c *Client) Scan(ctx context.Context) error {
	return c.methodWithResp(ctx, "POST", nil, transport.Scan, nil, nil)
}

// Autopublish asks the daemon for a full cycle: publish-ready runs plus
// a re-scan of existing proposals.
func (c *Client) Autopublish(ctx context.Context) error {
	return c.methodWithResp(ctx, "POST", nil, transport.Autopublish, nil, nil)
}

// CheckStragglers asks the daemon to re-scan proposals the regular
// cycle has not seen in a while.
func (c *Client) CheckStragglers(ctx context.Context) error {
	return c.methodWithResp(ctx, "POST", nil, transport.CheckStragglers, nil, nil)
}

// RefreshStatus asks the daemon to re-scan one proposal by URL.
func (c *Client) RefreshStatus(ctx context.Context, proposalURL string) error {
	return c.postForm(ctx, transport.RefreshStatus, url.Values{"url": []string{proposalURL}})
}

// RateLimits fetches the limiter's per-bucket state.
func (c *Client) RateLimits(ctx context.Context) (transport.RateLimitStats, error) {
	var res transport.RateLimitStats
	err := c.get(ctx, &res, transport.RateLimits, nil)
	return res, err
}

// BucketRateLimit fetches the limiter's state for one bucket.
func (c *Client) BucketRateLimit(ctx context.Context, bucket string) (transport.RateLimitStats, error) {
	var res transport.RateLimitStats
	err := c.get(ctx, &res, transport.BucketRateLimit, []string{"bucket", bucket})
	return res, err
}

// Blockers fetches, gate by gate, what keeps a run from publishing.
func (c *Client) Blockers(ctx context.Context, runID string) (map[string]publish.Blocker, error) {
	var res map[string]publish.Blocker
	err := c.get(ctx, &res, transport.Blockers, []string{"run_id", runID})
	return res, err
}

// Publish triggers a manual publish of the latest effective run for a
// (campaign, codebase) pair. mode overrides the policy mode when
// non-empty.
func (c *Client) Publish(ctx context.Context, campaign, codebase, mode, requestor string) (transport.PublishResult, error) {
	body := struct {
		Mode      string `json:"mode,omitempty"`
		Requestor string `json:"requestor,omitempty"`
	}{Mode: mode, Requestor: requestor}
	var res transport.PublishResult
	err := c.methodWithResp(ctx, "POST", &res, transport.Publish, []string{"campaign", campaign, "codebase", codebase}, body)
	return res, err
}

// ListPolicies lists named publish policies, all of them or just those
// in one rate-limit bucket.
func (c *Client) ListPolicies(ctx context.Context, bucket string) ([]store.PublishPolicy, error) {
	var queryParams []string
	if bucket != "" {
		queryParams = append(queryParams, "bucket", bucket)
	}
	var res []store.PublishPolicy
	err := c.get(ctx, &res, transport.ListPolicies, nil, queryParams...)
	return res, err
}

// GetPolicy fetches one named publish policy.
func (c *Client) GetPolicy(ctx context.Context, name string) (*store.PublishPolicy, error) {
	var res store.PublishPolicy
	if err := c.get(ctx, &res, transport.GetPolicy, []string{"name", name}); err != nil {
		return nil, err
	}
	return &res, nil
}

// PutPolicy creates or replaces a named publish policy.
func (c *Client) PutPolicy(ctx context.Context, policy *store.PublishPolicy) error {
	return c.methodWithResp(ctx, "PUT", nil, transport.PutPolicy, []string{"name", policy.Name}, policy)
}

// DeletePolicy removes a named publish policy.
func (c *Client) DeletePolicy(ctx context.Context, name string) error {
	return c.methodWithResp(ctx, "DELETE", nil, transport.DeletePolicy, []string{"name", name}, nil)
}

// --- Request helpers

// get executes a GET request, unmarshalling the response into dest if
// dest is not nil.
func (c *Client) get(ctx context.Context, dest interface{}, route string, routeParams []string, queryParams ...string) error {
	u, err := transport.MakeURL(c.endpoint, c.router, route, routeParams, queryParams...)
	if err != nil {
		return errors.Wrap(err, "constructing URL")
	}

	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", u)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")

	resp, err := c.executeRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return errors.Wrap(err, "decoding response from server")
		}
	}
	return nil
}

// methodWithResp handles body encoding and query params, and decodes
// the response into dest when the server sent one and dest is not nil.
func (c *Client) methodWithResp(ctx context.Context, method string, dest interface{}, route string, routeParams []string, body interface{}, queryParams ...string) error {
	u, err := transport.MakeURL(c.endpoint, c.router, route, routeParams, queryParams...)
	if err != nil {
		return errors.Wrap(err, "constructing URL")
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
	}

	req, err := http.NewRequest(method, u.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", u)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.executeRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response from server")
	}
	if dest == nil || len(respBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBytes, dest); err != nil {
		return errors.Wrap(err, "decoding response from server")
	}
	return nil
}

// postForm executes a POST with a urlencoded form body.
func (c *Client) postForm(ctx context.Context, route string, form url.Values) error {
	u, err := transport.MakeURL(c.endpoint, c.router, route, nil)
	if err != nil {
		return errors.Wrap(err, "constructing URL")
	}

	req, err := http.NewRequest("POST", u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", u)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.executeRequest(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// executeRequest runs the request and turns non-2xx responses into
// errors; JSON error bodies come back as *transport.APIError.
func (c *Client) executeRequest(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "executing HTTP request")
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusAccepted:
		return resp, nil
	default:
		defer resp.Body.Close()
		body, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "reading response body of error")
		}
		// The content type discriminates between a structured
		// APIError and any old error.
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			var apiErr transport.APIError
			if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Description != "" {
				return nil, &apiErr
			}
		}
		return nil, errors.New(resp.Status + " " + strings.TrimSpace(string(body)))
	}
}
