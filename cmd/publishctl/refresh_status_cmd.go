package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type refreshStatusOpts struct {
	*rootOpts
}

func newRefreshStatus(parent *rootOpts) *refreshStatusOpts {
	return &refreshStatusOpts{rootOpts: parent}
}

func (opts *refreshStatusOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-status <proposal-url>",
		Short: "Re-read one merge proposal from its forge and store the result.",
		Example: makeExample(
			"publishctl refresh-status https://github.com/jelmer/dulwich/pull/42",
		),
		RunE: opts.RunE,
	}
}

func (opts *refreshStatusOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return newUsageError("expected a single proposal URL")
	}
	if err := opts.API.RefreshStatus(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Status refreshed.")
	return nil
}
