package main

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/scope-scheduler/core"
	"github.com/signalsfoundry/scope-scheduler/internal/policy"
	"github.com/signalsfoundry/scope-scheduler/internal/slicing"
	"github.com/signalsfoundry/scope-scheduler/model"
	"github.com/spf13/cobra"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage a policy directory",
	}
	cmd.AddCommand(newPolicyInitCmd(), newPolicyShowCmd())
	return cmd
}

func newPolicyInitCmd() *cobra.Command {
	var (
		dir       string
		tenants   int
		nofPRB    int
		algorithm string
		threshold int
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an equal split of the carrier between tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cell, err := core.NewCell(nofPRB)
			if err != nil {
				return err
			}
			p, err := model.ParseSchedulingPolicyName(algorithm)
			if err != nil {
				return err
			}
			if tenants <= 0 {
				return errors.New("at least one tenant is required")
			}

			policies := make(map[int]model.SchedulingPolicy, tenants)
			for id, m := range policy.EqualShareMasks(cell.NofRBG(), tenants) {
				for _, d := range []model.Direction{model.Downlink, model.Uplink} {
					if err := policy.WriteMasks(dir, id, d, m); err != nil {
						return err
					}
				}
				policies[id] = p
			}
			if err := policy.WritePolicies(dir, policies); err != nil {
				return err
			}
			err = policy.WriteParams(dir, map[string]float64{
				policy.ParamSlicingEnabled: 1,
				policy.ParamGlobalPolicy:   float64(p),
				policy.ParamSchedThreshold: float64(threshold),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tenants to %s\n", tenants, dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Policy directory")
	cmd.Flags().IntVar(&tenants, "tenants", 2, "Number of tenants")
	cmd.Flags().IntVar(&nofPRB, "nof-prb", 25, "Carrier width in PRBs")
	cmd.Flags().StringVar(&algorithm, "policy", model.PolicyRoundRobin.String(), "Scheduling policy of every tenant")
	cmd.Flags().IntVar(&threshold, "sched-threshold", 0, "Grace period in scheduling opportunities")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func newPolicyShowCmd() *cobra.Command {
	var (
		dir    string
		nofPRB int
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the tenant table of a policy directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cell, err := core.NewCell(nofPRB)
			if err != nil {
				return err
			}
			feed := policy.NewFileFeed(dir)
			n := cell.NofRBG()

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-6s  %-12s  %-25s  %-25s  %s\n", "TENANT", "POLICY", "DL", "UL", "PRBS")
			for id := range slicing.MaxTenants {
				dl, err := feed.Mask(id, 0, model.Downlink)
				if errors.Is(err, policy.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				ul, err := feed.Mask(id, 0, model.Uplink)
				if err != nil && !errors.Is(err, policy.ErrNotFound) {
					return err
				}
				p, err := feed.Policy(id)
				if err != nil && !errors.Is(err, policy.ErrNotFound) {
					return err
				}
				fmt.Fprintf(w, "%-6d  %-12s  %-25s  %-25s  %d\n", id, p, dl.Format(n), ul.Format(n), cell.MaskBudget(dl.Truncate(n)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Policy directory")
	cmd.Flags().IntVar(&nofPRB, "nof-prb", 25, "Carrier width in PRBs")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}
