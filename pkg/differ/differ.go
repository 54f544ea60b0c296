// Package differ is a client for the janitor's differ service, which
// produces diffs between the build artifacts of two runs. Computing a
// debdiff means fetching and unpacking both builds, so results are
// cached when a memcached is available.
package differ

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

// DiffUnavailableError means the differ has no artifacts for one of
// the runs, so no diff can be produced until that run is rebuilt.
type DiffUnavailableError struct {
	RunID string
}

func (e *DiffUnavailableError) Error() string {
	return fmt.Sprintf("no artifacts available for run %s", e.RunID)
}

// UnreachableError means the differ could not be asked: connection
// trouble or a server-side failure. Says nothing about the runs.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("differ unreachable: %v", e.Err)
}

// Cache stores previously computed diffs.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
}

// Client talks to a differ service.
type Client struct {
	base   *url.URL
	client *http.Client
	cache  Cache
	logger log.Logger
}

// New returns a differ client. cache may be nil.
func New(base string, cache Cache, logger log.Logger) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrap(err, "parsing differ URL")
	}
	return &Client{
		base:   u,
		client: &http.Client{Timeout: 60 * time.Second},
		cache:  cache,
		logger: logger,
	}, nil
}

// URL returns the differ's base URL.
func (c *Client) URL() string {
	return c.base.String()
}

// DebDiff fetches the binary diff between the build artifacts of the
// unchanged (control) run and the changed run.
func (c *Client) DebDiff(ctx context.Context, unchangedID, changedID string) ([]byte, error) {
	key := "debdiff/" + unchangedID + "/" + changedID
	if c.cache != nil {
		if diff, ok := c.cache.Get(key); ok {
			return diff, nil
		}
	}

	u := *c.base
	u.Path = path.Join(u.Path, "debdiff", unchangedID, changedID)
	q := u.Query()
	q.Set("filter_boring", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &UnreachableError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		diff, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return nil, &UnreachableError{Err: err}
		}
		if c.cache != nil {
			c.cache.Set(key, diff)
		}
		return diff, nil
	case resp.StatusCode == http.StatusNotFound:
		runID := resp.Header.Get("unavailable_run_id")
		if runID == "" {
			runID = unchangedID
		}
		return nil, &DiffUnavailableError{RunID: runID}
	default:
		return nil, &UnreachableError{Err: errors.Errorf("unexpected status %s", resp.Status)}
	}
}

type memcacheCache struct {
	client *memcache.Client
	expiry time.Duration
	logger log.Logger
}

// NewMemcacheCache returns a Cache backed by the given memcached
// servers. Cache trouble is logged and otherwise ignored; the differ
// is always there to recompute.
func NewMemcacheCache(servers []string, expiry time.Duration, logger log.Logger) Cache {
	client := memcache.New(servers...)
	client.Timeout = time.Second
	client.MaxIdleConns = 10
	return &memcacheCache{client: client, expiry: expiry, logger: logger}
}

func (m *memcacheCache) Get(key string) ([]byte, bool) {
	item, err := m.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return nil, false
	} else if err != nil {
		m.logger.Log("err", errors.Wrap(err, "fetching cached diff"))
		return nil, false
	}
	return item.Value, true
}

func (m *memcacheCache) Set(key string, value []byte) {
	if err := m.client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: int32(m.expiry.Seconds()),
	}); err != nil {
		m.logger.Log("err", errors.Wrap(err, "caching diff"))
	}
}
