// Package ratelimit decides whether new merge proposals may be opened,
// based on how many proposals each rate-limit bucket already has open.
// Buckets usually correspond to maintainers or teams on the receiving
// end, so the caps are about not flooding any one reviewer.
package ratelimit

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Counts is a tally of merge proposals for one bucket, by status.
type Counts struct {
	Open    int
	Merged  int
	Applied int
}

// Stats describes the limiter's current view of one bucket. MaxOpen is
// nil when the limiter imposes no cap on the bucket.
type Stats struct {
	Open    int  `json:"open"`
	MaxOpen *int `json:"max_open,omitempty"`
}

// RateLimiter gates the creation of new merge proposals per bucket. The
// limiter works from a snapshot of per-bucket counts, refreshed
// periodically from the database, plus local increments for proposals
// opened since the last refresh.
type RateLimiter interface {
	// SetProposalCounts replaces the limiter's snapshot with fresh
	// per-bucket counts.
	SetProposalCounts(counts map[string]Counts)

	// CheckAllowed returns nil if a new proposal may be opened in
	// bucket, and an error for which IsRateLimited reports true
	// otherwise.
	CheckAllowed(bucket string) error

	// Inc records that a proposal was just opened in bucket.
	Inc(bucket string)

	// Stats reports the limiter's per-bucket view, or nil if the
	// limiter keeps no per-bucket state.
	Stats() map[string]Stats
}

// ErrRateLimited is returned by CheckAllowed when the limiter refuses
// without per-bucket detail, e.g. before the first snapshot has been
// loaded.
var ErrRateLimited = errors.New("rate limited")

// BucketRateLimitedError is returned by CheckAllowed when a specific
// bucket has reached its cap.
type BucketRateLimitedError struct {
	Bucket  string
	Open    int
	MaxOpen int
}

func (e *BucketRateLimitedError) Error() string {
	return fmt.Sprintf("rate limited for bucket %q (%d open merge proposals, max %d)", e.Bucket, e.Open, e.MaxOpen)
}

// IsRateLimited reports whether err (or its cause) is a rate-limit
// refusal from a RateLimiter.
func IsRateLimited(err error) bool {
	err = errors.Cause(err)
	if err == ErrRateLimited {
		return true
	}
	_, ok := err.(*BucketRateLimitedError)
	return ok
}

// NonRateLimiter never refuses.
type NonRateLimiter struct{}

func NewNonRateLimiter() *NonRateLimiter { return &NonRateLimiter{} }

func (*NonRateLimiter) SetProposalCounts(map[string]Counts) {}
func (*NonRateLimiter) CheckAllowed(string) error           { return nil }
func (*NonRateLimiter) Inc(string)                          {}
func (*NonRateLimiter) Stats() map[string]Stats             { return nil }

// FixedRateLimiter caps every bucket at the same number of open
// proposals. It refuses only once a bucket's count exceeds the cap, so
// a bucket can hold maxOpen+1 proposals before refusals start; existing
// deployments rely on that boundary, keep it when touching this.
type FixedRateLimiter struct {
	mu      sync.Mutex
	maxOpen int
	open    map[string]int
}

func NewFixedRateLimiter(maxOpen int) *FixedRateLimiter {
	return &FixedRateLimiter{maxOpen: maxOpen}
}

func (rl *FixedRateLimiter) SetProposalCounts(counts map[string]Counts) {
	open := make(map[string]int, len(counts))
	for bucket, c := range counts {
		open[bucket] = c.Open
	}
	rl.mu.Lock()
	rl.open = open
	rl.mu.Unlock()
}

func (rl *FixedRateLimiter) CheckAllowed(bucket string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.open == nil {
		return ErrRateLimited
	}
	if open := rl.open[bucket]; open > rl.maxOpen {
		return &BucketRateLimitedError{Bucket: bucket, Open: open, MaxOpen: rl.maxOpen}
	}
	return nil
}

func (rl *FixedRateLimiter) Inc(bucket string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.open == nil {
		rl.open = make(map[string]int)
	}
	rl.open[bucket]++
}

func (rl *FixedRateLimiter) Stats() map[string]Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	stats := make(map[string]Stats, len(rl.open))
	for bucket, open := range rl.open {
		max := rl.maxOpen
		stats[bucket] = Stats{Open: open, MaxOpen: &max}
	}
	return stats
}

// SlowStartRateLimiter grows each bucket's cap with its track record:
// a bucket may have at most one more open proposal than it has had
// proposals merged or applied, optionally clamped by an absolute cap.
// New buckets therefore start at one open proposal and earn more as
// their proposals land.
type SlowStartRateLimiter struct {
	mu       sync.Mutex
	maxOpen  int // <= 0 means no absolute cap
	open     map[string]int
	absorbed map[string]int
}

func NewSlowStartRateLimiter(maxOpen int) *SlowStartRateLimiter {
	return &SlowStartRateLimiter{maxOpen: maxOpen}
}

func (rl *SlowStartRateLimiter) SetProposalCounts(counts map[string]Counts) {
	open := make(map[string]int, len(counts))
	absorbed := make(map[string]int, len(counts))
	for bucket, c := range counts {
		if c.Open > 0 {
			open[bucket] = c.Open
		}
		if n := c.Merged + c.Applied; n > 0 {
			absorbed[bucket] = n
		}
	}
	rl.mu.Lock()
	rl.open = open
	rl.absorbed = absorbed
	rl.mu.Unlock()
}

func (rl *SlowStartRateLimiter) ceiling(bucket string) int {
	ceiling := rl.absorbed[bucket] + 1
	if rl.maxOpen > 0 && ceiling > rl.maxOpen {
		ceiling = rl.maxOpen
	}
	return ceiling
}

func (rl *SlowStartRateLimiter) CheckAllowed(bucket string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.open == nil || rl.absorbed == nil {
		return ErrRateLimited
	}
	ceiling := rl.ceiling(bucket)
	if open := rl.open[bucket]; open >= ceiling {
		return &BucketRateLimitedError{Bucket: bucket, Open: open, MaxOpen: ceiling}
	}
	return nil
}

func (rl *SlowStartRateLimiter) Inc(bucket string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.open == nil {
		rl.open = make(map[string]int)
	}
	rl.open[bucket]++
}

func (rl *SlowStartRateLimiter) Stats() map[string]Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	stats := make(map[string]Stats, len(rl.open))
	for bucket, open := range rl.open {
		ceiling := rl.ceiling(bucket)
		stats[bucket] = Stats{Open: open, MaxOpen: &ceiling}
	}
	for bucket := range rl.absorbed {
		if _, ok := stats[bucket]; !ok {
			ceiling := rl.ceiling(bucket)
			stats[bucket] = Stats{Open: 0, MaxOpen: &ceiling}
		}
	}
	return stats
}
