package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/janitor-ci/janitor/pkg/transport"
)

type rateLimitsOpts struct {
	*rootOpts
}

func newRateLimits(parent *rootOpts) *rateLimitsOpts {
	return &rateLimitsOpts{rootOpts: parent}
}

func (opts *rateLimitsOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "rate-limits [bucket]",
		Short: "Show open merge proposals and remaining headroom per bucket.",
		Example: makeExample(
			"publishctl rate-limits",
			"publishctl rate-limits debian",
		),
		RunE: opts.RunE,
	}
}

func (opts *rateLimitsOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 1 {
		return newUsageError("expected at most one bucket name")
	}

	ctx := context.Background()

	var (
		stats transport.RateLimitStats
		err   error
	)
	if len(args) == 1 {
		stats, err = opts.API.BucketRateLimit(ctx, args[0])
	} else {
		stats, err = opts.API.RateLimits(ctx)
	}
	if err != nil {
		return err
	}

	buckets := make([]string, 0, len(stats.PerBucket))
	for name := range stats.PerBucket {
		buckets = append(buckets, name)
	}
	sort.Strings(buckets)

	w := newTabwriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "BUCKET\tOPEN\tMAX\tREMAINING\n")
	for _, name := range buckets {
		b := stats.PerBucket[name]
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", name, b.Open, orDash(b.MaxOpen), orDash(b.Remaining))
	}
	w.Flush()
	return nil
}

func orDash(n *int) string {
	if n == nil {
		return "-"
	}
	return strconv.Itoa(*n)
}
