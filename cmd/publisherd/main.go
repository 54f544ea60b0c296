package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/janitor-ci/janitor/pkg/campaign"
	"github.com/janitor-ci/janitor/pkg/differ"
	"github.com/janitor-ci/janitor/pkg/forge"
	"github.com/janitor-ci/janitor/pkg/publish"
	"github.com/janitor-ci/janitor/pkg/publock"
	"github.com/janitor-ci/janitor/pkg/pubsub"
	"github.com/janitor-ci/janitor/pkg/ratelimit"
	"github.com/janitor-ci/janitor/pkg/store"
	"github.com/janitor-ci/janitor/pkg/transport"
	"github.com/janitor-ci/janitor/pkg/vcs"
)

var (
	fs *pflag.FlagSet

	versionFlag *bool
	logFormat   *string

	listenAddr     *string
	databaseURL    *string
	campaignConfig *string

	publishOnePath *string
	publishTimeout *time.Duration

	vcsStoreURL       *string
	differURL         *string
	differMemcached   *[]string
	differCacheExpiry *time.Duration

	githubToken *string
	githubRPS   *float64
	natsURL     *string

	maxOpenMPs        *int
	slowStart         *bool
	pushLimit         *int
	modifyLimit       *int
	requireBinaryDiff *bool

	scanInterval     *time.Duration
	existingInterval *time.Duration

	once *bool
)

var version = "unversioned"

func init() {
	fs = pflag.NewFlagSet("default", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  publisherd turns completed codemod runs into pushed branches\n")
		fmt.Fprintf(os.Stderr, "  and merge proposals, within policy and rate limits.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}

	versionFlag = fs.Bool("version", false, "print version and exit")
	logFormat = fs.String("log-format", "fmt", "change the log format; one of fmt or json")

	listenAddr = fs.StringP("listen", "l", ":9912", "listen address for the control API and /metrics")
	databaseURL = fs.String("database-url", "postgres://localhost/janitor?sslmode=disable", "Postgres connection string")
	campaignConfig = fs.String("campaign-config", "", "path to the campaign configuration YAML")

	publishOnePath = fs.String("publish-one", "publish-one", "path to the publish-one worker executable")
	publishTimeout = fs.Duration("publish-timeout", 15*time.Minute, "duration after which a publish-one invocation is killed")

	vcsStoreURL = fs.String("vcs-store-url", "", "base URL of the VCS store holding run result branches")
	differURL = fs.String("differ-url", "", "base URL of the differ service; required with --require-binary-diff")
	differMemcached = fs.StringSlice("differ-memcached", nil, "memcached servers for caching binary diffs")
	differCacheExpiry = fs.Duration("differ-cache-expiry", time.Hour, "how long cached binary diffs stay valid")

	githubToken = fs.String("github-token", "", "GitHub API token; falls back to $GITHUB_TOKEN")
	githubRPS = fs.Float64("github-rps", 5, "upper bound on GitHub API requests per second")
	natsURL = fs.String("nats-url", "", "NATS server URL for publish and merge-proposal notifications")

	maxOpenMPs = fs.Int("max-open-mps", 0, "cap on open merge proposals per rate-limit bucket; 0 means no cap")
	slowStart = fs.Bool("slow-start", false, "grow each bucket's cap with its merged/applied track record")
	pushLimit = fs.Int("push-limit", 0, "cap on pushes per scan cycle; 0 means no cap")
	modifyLimit = fs.Int("modify-limit", 0, "cap on forge modifications per scan cycle; 0 means no cap")
	requireBinaryDiff = fs.Bool("require-binary-diff", false, "refuse to publish without a binary diff against the control run")

	scanInterval = fs.Duration("scan-interval", publish.DefaultScanInterval, "period on which to scan for publish-ready runs")
	existingInterval = fs.Duration("existing-interval", publish.DefaultExistingInterval, "period on which to reconcile existing proposals with the forges")

	once = fs.Bool("once", false, "run one full cycle and exit")
}

func main() {
	fs.Parse(os.Args)

	if *versionFlag {
		println(version)
		os.Exit(0)
	}

	var logger log.Logger
	{
		switch *logFormat {
		case "json":
			logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
		default:
			logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
		}
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}
	mainLogger := log.With(logger, "component", "publisherd")
	mainLogger.Log("version", version)

	ctx := context.Background()

	if *vcsStoreURL == "" {
		mainLogger.Log("err", "flag --vcs-store-url is required")
		os.Exit(1)
	}
	if *requireBinaryDiff && *differURL == "" {
		mainLogger.Log("err", "--require-binary-diff needs --differ-url")
		os.Exit(1)
	}

	db, err := store.New(*databaseURL)
	if err != nil {
		mainLogger.Log("err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		mainLogger.Log("err", err)
		os.Exit(1)
	}

	var campaigns *campaign.Config
	if *campaignConfig != "" {
		campaigns, err = campaign.Load(*campaignConfig)
		if err != nil {
			mainLogger.Log("err", err)
			os.Exit(1)
		}
		mainLogger.Log("campaigns", len(campaigns.Campaigns), "config", *campaignConfig)
	} else {
		mainLogger.Log("msg", "no campaign configuration, proposals will use default templates")
	}

	vcsManager, err := vcs.NewRemoteManager(*vcsStoreURL)
	if err != nil {
		mainLogger.Log("err", err)
		os.Exit(1)
	}

	forges := forge.NewRouter()
	{
		token := *githubToken
		if token == "" {
			token = os.Getenv("GITHUB_TOKEN")
		}
		if token != "" {
			gh, err := forge.NewGitHub(ctx, token, *githubRPS, log.With(logger, "component", "github"))
			if err != nil {
				mainLogger.Log("err", err)
				os.Exit(1)
			}
			forges.Register("github.com", gh)
		} else {
			mainLogger.Log("msg", "no GitHub token, existing-proposal checks are disabled")
		}
	}

	var limiter ratelimit.RateLimiter
	switch {
	case *slowStart:
		limiter = ratelimit.NewSlowStartRateLimiter(*maxOpenMPs)
	case *maxOpenMPs > 0:
		limiter = ratelimit.NewFixedRateLimiter(*maxOpenMPs)
	default:
		limiter = ratelimit.NewNonRateLimiter()
	}

	var bus *pubsub.Bus
	if *natsURL != "" {
		bus, err = pubsub.Connect(*natsURL)
		if err != nil {
			mainLogger.Log("err", err)
			os.Exit(1)
		}
		defer bus.Close()
	}
	var notifier pubsub.Publisher = pubsub.NopPublisher{}
	if bus != nil {
		notifier = bus
	}

	var diffs publish.Differ
	if *differURL != "" {
		var cache differ.Cache
		if len(*differMemcached) > 0 {
			cache = differ.NewMemcacheCache(*differMemcached, *differCacheExpiry, log.With(logger, "component", "differ-cache"))
		}
		client, err := differ.New(*differURL, cache, log.With(logger, "component", "differ"))
		if err != nil {
			mainLogger.Log("err", err)
			os.Exit(1)
		}
		diffs = client
	}

	invoker := &publish.ExecInvoker{
		Path:    *publishOnePath,
		Timeout: *publishTimeout,
		Logger:  log.With(logger, "component", "publish-one"),
	}
	worker := publish.NewWorker(
		invoker,
		publish.NewPublockLocker(publock.New(db.DB())),
		diffs,
		notifier,
		limiter,
		log.With(logger, "component", "worker"),
	)

	proposals := publish.NewProposalInfoManager(db, notifier, nil, log.With(logger, "component", "proposals"))

	publisher := publish.NewPublisher(publish.Config{
		DB:                db,
		Worker:            worker,
		Proposals:         proposals,
		Limiter:           limiter,
		Bus:               notifier,
		Forges:            forges,
		VCS:               vcsManager,
		Campaigns:         campaigns,
		Logger:            log.With(logger, "component", "publisher"),
		RequireBinaryDiff: *requireBinaryDiff,
		PushLimit:         *pushLimit,
		ModifyLimit:       *modifyLimit,
		ScanInterval:      *scanInterval,
		ExistingInterval:  *existingInterval,
	})

	if *once {
		if err := publisher.RunOnce(ctx); err != nil {
			mainLogger.Log("err", err)
			os.Exit(1)
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)

	// The runner tells us over the bus when a run's publish status
	// changes; reconsider that run right away.
	if bus != nil {
		sub, err := bus.Subscribe(pubsub.TopicPublishStatus, func(payload []byte) {
			publisher.HandlePublishStatus(gctx, payload)
		})
		if err != nil {
			mainLogger.Log("err", err)
			os.Exit(1)
		}
		defer sub.Unsubscribe()
	}

	var busSub transport.Subscriber
	if bus != nil {
		busSub = busSubscriber{bus}
	}
	httpServer := transport.NewServer(publisher, db, limiter, busSub, db.Ping, log.With(logger, "component", "http"))
	srv := &http.Server{
		Addr:    *listenAddr,
		Handler: transport.NewHandler(httpServer, transport.NewRouter()),
	}

	g.Go(func() error {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-c:
			return fmt.Errorf("received signal %s", sig)
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	g.Go(func() error {
		return publisher.Run(gctx)
	})
	g.Go(func() error {
		mainLogger.Log("addr", *listenAddr, "msg", "serving control API")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	mainLogger.Log("exiting", g.Wait())
}

// busSubscriber adapts the NATS bus to the transport's Subscriber
// interface, which the websocket endpoints fan out from.
type busSubscriber struct {
	bus *pubsub.Bus
}

func (b busSubscriber) Subscribe(topic string, fn func([]byte)) (transport.Subscription, error) {
	return b.bus.Subscribe(topic, fn)
}
