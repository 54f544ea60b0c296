package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/janitor-ci/janitor/pkg/store"
)

type policyOpts struct {
	*rootOpts
}

func newPolicy(parent *rootOpts) *policyOpts {
	return &policyOpts{rootOpts: parent}
}

func (opts *policyOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage named publish policies.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newPolicyList(opts.rootOpts).Command(),
		newPolicyGet(opts.rootOpts).Command(),
		newPolicyPut(opts.rootOpts).Command(),
		newPolicyDelete(opts.rootOpts).Command(),
	)
	return cmd
}

type policyListOpts struct {
	*rootOpts
	bucket string
}

func newPolicyList(parent *rootOpts) *policyListOpts {
	return &policyListOpts{rootOpts: parent}
}

func (opts *policyListOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List named publish policies.",
		Example: makeExample(
			"publishctl policy list",
			"publishctl policy list --bucket=debian",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVar(&opts.bucket, "bucket", "", "only list policies in this rate-limit bucket")
	return cmd
}

func (opts *policyListOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}

	policies, err := opts.API.ListPolicies(context.Background(), opts.bucket)
	if err != nil {
		return err
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	w := newTabwriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "NAME\tQA-REVIEW\tBUCKET\tROLES\n")
	for _, p := range policies {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.QAReview, p.RateLimitBucket, roleModes(p.PerBranch))
	}
	w.Flush()
	return nil
}

func roleModes(perBranch map[string]store.BranchPolicy) string {
	roles := make([]string, 0, len(perBranch))
	for role := range perBranch {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	parts := make([]string, 0, len(roles))
	for _, role := range roles {
		parts = append(parts, role+"="+perBranch[role].Mode)
	}
	return strings.Join(parts, ",")
}

type policyGetOpts struct {
	*rootOpts
}

func newPolicyGet(parent *rootOpts) *policyGetOpts {
	return &policyGetOpts{rootOpts: parent}
}

func (opts *policyGetOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "get <name>",
		Short:   "Print one named policy as JSON.",
		Example: makeExample("publishctl policy get default"),
		RunE:    opts.RunE,
	}
}

func (opts *policyGetOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return newUsageError("expected a single policy name")
	}

	policy, err := opts.API.GetPolicy(context.Background(), args[0])
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(policy, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	return nil
}

type policyPutOpts struct {
	*rootOpts
}

func newPolicyPut(parent *rootOpts) *policyPutOpts {
	return &policyPutOpts{rootOpts: parent}
}

func (opts *policyPutOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "put <file>",
		Short: "Create or replace a named policy from a JSON document.",
		Example: makeExample(
			"publishctl policy put default.json",
			"cat default.json | publishctl policy put -",
		),
		RunE: opts.RunE,
	}
}

func (opts *policyPutOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return newUsageError("expected a single policy file, or - for stdin")
	}

	var (
		raw []byte
		err error
	)
	if args[0] == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		return err
	}

	var policy store.PublishPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return err
	}
	if policy.Name == "" {
		return newUsageError("the policy document must carry a name")
	}

	if err := opts.API.PutPolicy(context.Background(), &policy); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Policy %s stored.\n", policy.Name)
	return nil
}

type policyDeleteOpts struct {
	*rootOpts
}

func newPolicyDelete(parent *rootOpts) *policyDeleteOpts {
	return &policyDeleteOpts{rootOpts: parent}
}

func (opts *policyDeleteOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Short:   "Delete a named policy.",
		Example: makeExample("publishctl policy delete default"),
		RunE:    opts.RunE,
	}
}

func (opts *policyDeleteOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return newUsageError("expected a single policy name")
	}

	if err := opts.API.DeletePolicy(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Policy %s deleted.\n", args[0])
	return nil
}
