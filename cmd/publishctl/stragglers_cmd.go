package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type checkStragglersOpts struct {
	*rootOpts
}

func newCheckStragglers(parent *rootOpts) *checkStragglersOpts {
	return &checkStragglersOpts{rootOpts: parent}
}

func (opts *checkStragglersOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "check-stragglers",
		Short:   "Re-scan proposals the regular cycle has not looked at in a while.",
		Example: makeExample("publishctl check-stragglers"),
		RunE:    opts.RunE,
	}
}

func (opts *checkStragglersOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	if err := opts.API.CheckStragglers(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Straggler check requested.")
	return nil
}
