package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type publishOpts struct {
	*rootOpts
	mode      string
	requestor string
}

func newPublish(parent *rootOpts) *publishOpts {
	return &publishOpts{rootOpts: parent}
}

func (opts *publishOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <campaign> <codebase>",
		Short: "Publish the effective run for a campaign and codebase now.",
		Example: makeExample(
			"publishctl publish lintian-fixes dulwich",
			"publishctl publish lintian-fixes dulwich --mode=propose",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVar(&opts.mode, "mode", "", "override the policy mode; one of push, attempt-push, propose, build-only or skip")
	cmd.Flags().StringVar(&opts.requestor, "requestor", "cli", "who to record as having requested the publish")
	return cmd
}

func (opts *publishOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 2 {
		return newUsageError("expected a campaign and a codebase")
	}

	res, err := opts.API.Publish(context.Background(), args[0], args[1], opts.mode, opts.requestor)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(res.Publishes) == 0 {
		if res.Description != "" {
			fmt.Fprintln(out, res.Description)
		} else {
			fmt.Fprintln(out, "Nothing left to publish.")
		}
		return nil
	}

	fmt.Fprintf(out, "Publishing run %s (%s)\n", res.RunID, res.Mode)
	w := newTabwriter(out)
	fmt.Fprintf(w, "ROLE\tPUBLISH-ID\n")
	for _, p := range res.Publishes {
		fmt.Fprintf(w, "%s\t%s\n", p.Role, p.PublishID)
	}
	w.Flush()
	return nil
}
