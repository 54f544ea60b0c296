package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type scanOpts struct {
	*rootOpts
}

func newScan(parent *rootOpts) *scanOpts {
	return &scanOpts{rootOpts: parent}
}

func (opts *scanOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "scan",
		Short:   "Ask the daemon to scan for publish-ready runs now.",
		Example: makeExample("publishctl scan"),
		RunE:    opts.RunE,
	}
}

func (opts *scanOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	if err := opts.API.Scan(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Scan requested.")
	return nil
}
