package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/locstore/ldm/internal/rpc"
	"github.com/locstore/ldm/internal/types"
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Inspect and control background operations",
}

var opsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your operations (admins see everyone's)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd.Context(), rpc.OpOpsList, nil)
	},
}

var opsGetCmd = &cobra.Command{
	Use:   "get OP_ID",
	Short: "Show one operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.Context(), rpc.OpOpsGet, &rpc.OpArgs{OpID: args[0]})
	},
}

var opsCancelCmd = &cobra.Command{
	Use:   "cancel OP_ID",
	Short: "Request cooperative cancellation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.Context(), rpc.OpOpsCancel, &rpc.OpArgs{OpID: args[0]})
	},
}

var opsWatchSince int64

var opsWatchCmd = &cobra.Command{
	Use:   "watch OP_ID",
	Short: "Stream an operation's progress until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchOpSince(cmd.Context(), args[0], opsWatchSince)
	},
}

// watchOp follows one operation's event stream to its terminal update.
func watchOp(ctx context.Context, opID string) error {
	return watchOpSince(ctx, opID, -1)
}

func watchOpSince(ctx context.Context, opID string, sinceSeq int64) error {
	updates, err := newClient().Events(ctx, []string{opID}, sinceSeq)
	if err != nil {
		return err
	}
	for u := range updates {
		if u.StepText != "" {
			fmt.Printf("%6.2f%%  %s  %s\n", u.Percent, u.State, u.StepText)
		} else {
			fmt.Printf("%6.2f%%  %s\n", u.Percent, u.State)
		}
		if u.State.Terminal() {
			if u.State == types.OpFailed {
				return types.E(types.KindInternal, "operation failed: %s", u.Error)
			}
			return nil
		}
	}
	return ctx.Err()
}

func init() {
	opsWatchCmd.Flags().Int64Var(&opsWatchSince, "since-seq", -1, "replay buffered updates after this sequence number")
	opsCmd.AddCommand(opsListCmd, opsGetCmd, opsCancelCmd, opsWatchCmd)
	rootCmd.AddCommand(opsCmd)
}
