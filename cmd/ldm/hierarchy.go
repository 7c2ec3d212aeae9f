package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/locstore/ldm/internal/rpc"
	"github.com/locstore/ldm/internal/types"
)

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, types.E(types.KindInvalidArgument, "bad id %q", s)
	}
	return id, nil
}

func parseKind(s string) (types.ItemKind, error) {
	k := types.ItemKind(s)
	if !k.Valid() {
		return "", types.E(types.KindInvalidArgument, "bad kind %q (platform|project|folder|file|tm)", s)
	}
	return k, nil
}

var lsCmd = &cobra.Command{
	Use:   "ls [kind id]",
	Short: "List children of a node (no args lists the root)",
	Args:  cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var parent types.NodeRef
		if len(args) == 2 {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			parent = types.NodeRef{Kind: kind, ID: id}
		}
		return call(cmd.Context(), rpc.OpListChildren, &rpc.ListChildrenArgs{Parent: parent})
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create hierarchy nodes",
}

var (
	createProjectPlatform int64
	createFolderProject   int64
	createFolderParent    int64
)

var createPlatformCmd = &cobra.Command{
	Use:   "platform NAME",
	Short: "Create a platform (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.Context(), rpc.OpCreatePlatform, &rpc.CreatePlatformArgs{Name: args[0]})
	},
}

var createProjectCmd = &cobra.Command{
	Use:   "project NAME",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := &rpc.CreateProjectArgs{Name: args[0]}
		if createProjectPlatform != 0 {
			a.PlatformID = &createProjectPlatform
		}
		return call(cmd.Context(), rpc.OpCreateProject, a)
	},
}

var createFolderCmd = &cobra.Command{
	Use:   "folder NAME --project ID",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := &rpc.CreateFolderArgs{Name: args[0], ProjectID: createFolderProject}
		if createFolderParent != 0 {
			a.ParentFolderID = &createFolderParent
		}
		return call(cmd.Context(), rpc.OpCreateFolder, a)
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename KIND ID NEW_NAME",
	Short: "Rename a node",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpRename, &rpc.RenameArgs{Kind: kind, ID: id, NewName: args[2]})
	},
}

var moveCmd = &cobra.Command{
	Use:   "mv KIND ID PARENT_KIND PARENT_ID",
	Short: "Move a node under a new parent in the same project",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		parentKind, err := parseKind(args[2])
		if err != nil {
			return err
		}
		parentID, err := parseID(args[3])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpMove, &rpc.MoveArgs{
			Kind: kind, ID: id,
			NewParent: types.NodeRef{Kind: parentKind, ID: parentID},
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm KIND ID",
	Short: "Soft-delete a node into the trash",
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
		return call(cmd.Context(), rpc.OpSoftDelete, &rpc.NodeArgs{Kind: kind, ID: id})
	},
}

var trashCmd = &cobra.Command{
	Use:   "trash",
	Short: "Inspect and manage the recycle bin",
}

var trashListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trash items, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd.Context(), rpc.OpListTrash, nil)
	},
}

var trashRestoreCmd = &cobra.Command{
	Use:   "restore TRASH_ID",
	Short: "Restore a trash item to its original location",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpRestore, &rpc.TrashArgs{TrashID: id})
	},
}

var trashPurgeCmd = &cobra.Command{
	Use:   "purge TRASH_ID",
	Short: "Permanently delete one trash item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpPurge, &rpc.TrashArgs{TrashID: id})
	},
}

var trashEmptyBoth bool

var trashEmptyCmd = &cobra.Command{
	Use:   "empty",
	Short: "Empty the recycle bin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if trashEmptyBoth {
			return call(cmd.Context(), rpc.OpOfflineEmptyTrash, nil)
		}
		return call(cmd.Context(), rpc.OpEmptyTrash, nil)
	},
}

func init() {
	createProjectCmd.Flags().Int64Var(&createProjectPlatform, "platform", 0, "platform id (0 leaves the project unassigned)")
	createFolderCmd.Flags().Int64Var(&createFolderProject, "project", 0, "project id")
	createFolderCmd.Flags().Int64Var(&createFolderParent, "parent", 0, "parent folder id")
	_ = createFolderCmd.MarkFlagRequired("project")
	createCmd.AddCommand(createPlatformCmd, createProjectCmd, createFolderCmd)

	trashEmptyCmd.Flags().BoolVar(&trashEmptyBoth, "both", false, "empty both the central and local trash")
	trashCmd.AddCommand(trashListCmd, trashRestoreCmd, trashPurgeCmd, trashEmptyCmd)

	rootCmd.AddCommand(lsCmd, createCmd, renameCmd, moveCmd, rmCmd, trashCmd)
}
