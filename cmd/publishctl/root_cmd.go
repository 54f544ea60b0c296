package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/janitor-ci/janitor/pkg/transport"
	"github.com/janitor-ci/janitor/pkg/transport/client"
)

const (
	EnvVariableURL = "JANITOR_URL"
)

type rootOpts struct {
	URL string
	API *client.Client
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

var rootLongHelp = strings.TrimSpace(`
publishctl drives the publisher daemon.

Workflow:
  publishctl rate-limits                            # How much headroom is left per bucket?
  publishctl blockers run-1234                      # Why has this run not been published?
  publishctl publish lintian-fixes dulwich          # Push one run through, policy permitting.
  publishctl refresh-status https://github.com/...  # Re-read one proposal from its forge.
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "publishctl",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		PersistentPreRunE: opts.PersistentPreRunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.URL, "url", "u", "http://localhost:9912",
		fmt.Sprintf("base URL of the publisher daemon; you can also set the environment variable %s", EnvVariableURL))

	cmd.AddCommand(
		newScan(opts).Command(),
		newAutopublish(opts).Command(),
		newCheckStragglers(opts).Command(),
		newRefreshStatus(opts).Command(),
		newRateLimits(opts).Command(),
		newBlockers(opts).Command(),
		newPublish(opts).Command(),
		newPolicy(opts).Command(),
		newVersionCommand(),
	)

	return cmd
}

func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	url := os.Getenv(EnvVariableURL)
	if cmd.Flags().Changed("url") || url == "" {
		url = opts.URL
	}

	opts.API = client.New(http.DefaultClient, transport.NewRouter(), url)
	return nil
}
