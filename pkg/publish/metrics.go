package publish

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	jmetrics "github.com/janitor-ci/janitor/pkg/metrics"
)

var (
	publishDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "one_duration_seconds",
		Help:      "Duration of single-branch publish operations, in seconds.",
		Buckets:   stdprometheus.ExponentialBuckets(0.5, 3, 8), // top bucket ~= 18 minutes
	}, []string{jmetrics.LabelMode, jmetrics.LabelResultCode})

	publishResults = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "results_total",
		Help:      "Count of publish attempts, by mode and result code.",
	}, []string{jmetrics.LabelMode, jmetrics.LabelResultCode})

	delayedRuns = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "backoff_skips_total",
		Help:      "Count of runs skipped because their next try time is in the future.",
	}, []string{})

	missingBranchURL = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "missing_branch_url_total",
		Help:      "Count of runs skipped because they carry no branch URL.",
	}, []string{})

	rejectedStops = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "previous_proposal_rejected_total",
		Help:      "Count of runs refused because an earlier proposal was rejected or closed by a human.",
	}, []string{})

	staleCommands = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "stale_command_total",
		Help:      "Count of runs whose command no longer matches the candidate policy.",
	}, []string{})

	rateLimitedRuns = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "rate_limited_total",
		Help:      "Count of proposals downgraded to build-only by the rate limiter.",
	}, []string{jmetrics.LabelBucket})

	frequencyLimitedRuns = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "frequency_limited_total",
		Help:      "Count of proposals held back by a per-branch publish frequency cap.",
	}, []string{})

	pushLimitSkips = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "push_limit_skips_total",
		Help:      "Count of runs skipped because the per-cycle push budget ran out.",
	}, []string{})

	branchesBusy = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "branch_busy_total",
		Help:      "Count of publishes skipped because another publish held the branch lease.",
	}, []string{})

	proposalScans = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "proposal_scans_total",
		Help:      "Count of proposal scans, by the status the forge reported.",
	}, []string{jmetrics.LabelStatus})

	branchesMoved = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "proposal_branch_moved_total",
		Help:      "Count of proposals whose source repository moved; left untouched for an operator.",
	}, []string{})

	orphanProposals = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "orphan_proposals_total",
		Help:      "Count of proposals that could not be traced back to a run.",
	}, []string{})

	rescheduled = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "rescheduled_total",
		Help:      "Count of fresh runs scheduled by the publisher, by queue bucket.",
	}, []string{jmetrics.LabelBucket, jmetrics.LabelCampaign})

	bucketOpen = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "open_proposals",
		Help:      "Open merge proposals per rate limit bucket, from the last snapshot.",
	}, []string{jmetrics.LabelBucket})

	cycleDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "janitor",
		Subsystem: "publish",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of scan cycles, in seconds.",
		Buckets:   stdprometheus.ExponentialBuckets(1, 4, 7), // top bucket ~= 68 minutes
	}, []string{jmetrics.LabelMethod, jmetrics.LabelSuccess})
)
