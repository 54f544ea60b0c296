package forge

import (
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// rateLimitedTransport keeps the janitor's API traffic under the
// forge's abuse thresholds.
type rateLimitedTransport struct {
	rl *rate.Limiter
	tx http.RoundTripper
}

// RateLimitedTransport wraps tx so requests proceed at most rps per
// second with the given burst.
func RateLimitedTransport(tx http.RoundTripper, rps float64, burst int) http.RoundTripper {
	if tx == nil {
		tx = http.DefaultTransport
	}
	return &rateLimitedTransport{
		rl: rate.NewLimiter(rate.Limit(rps), burst),
		tx: tx,
	}
}

func (t *rateLimitedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	// Wait errors out if the request cannot be processed within the
	// deadline, instead of waiting the entire duration first.
	if err := t.rl.Wait(r.Context()); err != nil {
		return nil, errors.Wrap(err, "rate limited")
	}
	return t.tx.RoundTrip(r)
}
