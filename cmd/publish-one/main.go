package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/janitor-ci/janitor/pkg/forge"
	"github.com/janitor-ci/janitor/pkg/publish"
)

func main() {
	fs := pflag.NewFlagSet("default", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  publish-one reads a publish request as JSON on stdin, pushes or\n")
		fmt.Fprintf(os.Stderr, "  proposes a single result branch, and reports the outcome as JSON\n")
		fmt.Fprintf(os.Stderr, "  on stdout. Exit code 1 means a structured failure was reported;\n")
		fmt.Fprintf(os.Stderr, "  anything else on a non-zero exit is an invocation error.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}
	var (
		githubToken = fs.String("github-token", "", "GitHub personal access token; falls back to $GITHUB_TOKEN")
		githubRPS   = fs.Float64("github-rps", 5, "maximum GitHub API requests per second")
		workDir     = fs.String("workdir", "", "scratch directory for git; a temporary directory when empty")
		timeout     = fs.Duration("timeout", 15*time.Minute, "overall operation timeout")
	)
	fs.Parse(os.Args)

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	os.Exit(run(logger, *githubToken, *githubRPS, *workDir, *timeout))
}

func run(logger log.Logger, githubToken string, githubRPS float64, workDir string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var req publish.Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		logger.Log("err", errors.Wrap(err, "decoding publish request"))
		return 2
	}

	if githubToken == "" {
		githubToken = os.Getenv("GITHUB_TOKEN")
	}
	forges := forge.NewRouter()
	if githubToken != "" {
		gh, err := forge.NewGitHub(ctx, githubToken, githubRPS, log.With(logger, "forge", "github"))
		if err != nil {
			logger.Log("err", err)
			return 2
		}
		forges.Register("github.com", gh)
	}

	if workDir == "" {
		dir, err := ioutil.TempDir("", "publish-one")
		if err != nil {
			logger.Log("err", err)
			return 2
		}
		defer os.RemoveAll(dir)
		workDir = dir
	}

	p := &publisher{forges: forges, git: newExecGit(workDir), logger: logger}
	res, err := p.publish(ctx, &req)
	if err != nil {
		var pf *publish.PublishFailure
		if errors.As(err, &pf) {
			json.NewEncoder(os.Stdout).Encode(map[string]string{
				"code":        pf.Code,
				"description": pf.Description,
			})
			return 1
		}
		logger.Log("err", err)
		return 2
	}
	if err := json.NewEncoder(os.Stdout).Encode(res); err != nil {
		logger.Log("err", err)
		return 2
	}
	return 0
}
