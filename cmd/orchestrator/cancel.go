package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelOwner string

func init() {
	rootCmd.AddCommand(cancelCmd)
	cancelCmd.Flags().StringVar(&cancelOwner, "user", "", "Owner of the job (required)")
	cancelCmd.MarkFlagRequired("user")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Cancel a job on behalf of its owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.orch.Canceller().Cancel(ctx, args[0], cancelOwner)
		if err != nil {
			return err
		}
		cost := 0.0
		if job.FinalCost != nil {
			cost = *job.FinalCost
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s cancelled, final cost $%.2f\n", job.ID, cost)
		return nil
	},
}
