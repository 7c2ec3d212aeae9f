package main

import (
	"github.com/spf13/cobra"

	"github.com/locstore/ldm/internal/rpc"
	"github.com/locstore/ldm/internal/types"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror central content locally and promote offline work",
}

var syncPushDest int64

var syncSubscribeCmd = &cobra.Command{
	Use:   "subscribe KIND ID",
	Short: "Subscribe to an item and pull its initial snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpSyncSubscribe, &rpc.SyncSubscribeArgs{Kind: kind, ItemID: id})
	},
}

var syncUnsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe SUBSCRIPTION_ID",
	Short: "Drop a subscription (the local mirror is kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpSyncUnsubscribe, &rpc.SyncUnsubscribeArgs{SubscriptionID: id})
	},
}

var syncListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your subscriptions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd.Context(), rpc.OpSyncList, nil)
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull SUBSCRIPTION_ID",
	Short: "Pull one subscription's delta now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpSyncPull, &rpc.SyncPullArgs{SubscriptionID: id})
	},
}

var syncPushCmd = &cobra.Command{
	Use:   "push FILE_ID --dest PROJECT_ID",
	Short: "Promote an Offline Storage file to a central project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID, err := parseID(args[0])
		if err != nil {
			return err
		}
		var op types.Operation
		err = newClient().CallInto(cmd.Context(), rpc.OpSyncPush,
			&rpc.SyncPushArgs{FileID: fileID, DestProjectID: syncPushDest}, &op)
		if err != nil {
			return err
		}
		return watchOp(cmd.Context(), op.OpID)
	},
}

func init() {
	syncPushCmd.Flags().Int64Var(&syncPushDest, "dest", 0, "destination central project id")
	_ = syncPushCmd.MarkFlagRequired("dest")
	syncCmd.AddCommand(syncSubscribeCmd, syncUnsubscribeCmd, syncListCmd, syncPullCmd, syncPushCmd)
	rootCmd.AddCommand(syncCmd)
}
