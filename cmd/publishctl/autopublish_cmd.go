package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type autopublishOpts struct {
	*rootOpts
}

func newAutopublish(parent *rootOpts) *autopublishOpts {
	return &autopublishOpts{rootOpts: parent}
}

func (opts *autopublishOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "autopublish",
		Short:   "Kick off a full publish cycle: scan plus existing-proposal reconcile.",
		Example: makeExample("publishctl autopublish"),
		RunE:    opts.RunE,
	}
}

func (opts *autopublishOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	if err := opts.API.Autopublish(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Autopublish requested.")
	return nil
}
