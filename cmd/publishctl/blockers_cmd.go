package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

type blockersOpts struct {
	*rootOpts
}

func newBlockers(parent *rootOpts) *blockersOpts {
	return &blockersOpts{rootOpts: parent}
}

func (opts *blockersOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "blockers <run-id>",
		Short:   "Show which gates stand between a run and publication.",
		Example: makeExample("publishctl blockers 8fd4a3bc-1f0e-4a51-9c7d-5f2b2f0e8a11"),
		RunE:    opts.RunE,
	}
}

func (opts *blockersOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return newUsageError("expected a single run ID")
	}

	gates, err := opts.API.Blockers(context.Background(), args[0])
	if err != nil {
		return err
	}

	names := make([]string, 0, len(gates))
	for name := range gates {
		names = append(names, name)
	}
	sort.Strings(names)

	w := newTabwriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "GATE\tCLEAR\tDETAILS\n")
	for _, name := range names {
		gate := gates[name]
		clear := "no"
		if gate.Result {
			clear = "yes"
		}
		details := ""
		if len(gate.Details) > 0 {
			raw, err := json.Marshal(gate.Details)
			if err != nil {
				return err
			}
			details = string(raw)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, clear, details)
	}
	w.Flush()
	return nil
}
