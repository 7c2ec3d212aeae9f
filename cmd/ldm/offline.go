package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/locstore/ldm/internal/rpc"
	"github.com/locstore/ldm/internal/types"
)

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Work in the local Offline Storage sandbox",
}

var offlineLsCmd = &cobra.Command{
	Use:   "ls [PROJECT]",
	Short: "List the sandbox, or one sandbox project",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := &rpc.OfflineListArgs{}
		if len(args) == 1 {
			a.Project = args[0]
		}
		return call(cmd.Context(), rpc.OpOfflineList, a)
	},
}

var offlineFolderParent int64

var offlineMkdirCmd = &cobra.Command{
	Use:   "mkdir PROJECT NAME",
	Short: "Create a folder in a sandbox project (created on first use)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := &rpc.OfflineCreateFolderArgs{Project: args[0], Name: args[1]}
		if offlineFolderParent != 0 {
			a.ParentFolderID = &offlineFolderParent
		}
		return call(cmd.Context(), rpc.OpOfflineCreateFolder, a)
	},
}

var (
	offlineUploadFolder int64
	offlineUploadFormat string
)

var offlineUploadCmd = &cobra.Command{
	Use:   "upload PROJECT PATH",
	Short: "Upload a file into a sandbox project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		format := types.FileFormat(offlineUploadFormat)
		if offlineUploadFormat == "" {
			format = types.FileFormat(strings.TrimPrefix(filepath.Ext(args[1]), "."))
		}
		a := &rpc.OfflineUploadArgs{
			Project: args[0],
			Name:    filepath.Base(args[1]),
			Format:  format,
			Content: string(content),
		}
		if offlineUploadFolder != 0 {
			a.FolderID = &offlineUploadFolder
		}
		return call(cmd.Context(), rpc.OpOfflineUpload, a)
	},
}

var offlineMvCmd = &cobra.Command{
	Use:   "mv KIND ID PARENT_KIND PARENT_ID",
	Short: "Move a sandbox node under a new parent",
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
		return call(cmd.Context(), rpc.OpOfflineMove, &rpc.MoveArgs{
			Kind: kind, ID: id,
			NewParent: types.NodeRef{Kind: parentKind, ID: parentID},
		})
	},
}

var offlineRenameCmd = &cobra.Command{
	Use:   "rename KIND ID NEW_NAME",
	Short: "Rename a sandbox node",
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
		return call(cmd.Context(), rpc.OpOfflineRename, &rpc.RenameArgs{Kind: kind, ID: id, NewName: args[2]})
	},
}

var offlineRmCmd = &cobra.Command{
	Use:   "rm KIND ID",
	Short: "Soft-delete a sandbox node into the local trash",
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
		return call(cmd.Context(), rpc.OpOfflineDelete, &rpc.NodeArgs{Kind: kind, ID: id})
	},
}

var offlineEmptyTrashCmd = &cobra.Command{
	Use:   "empty-trash",
	Short: "Empty both the central and local trash (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd.Context(), rpc.OpOfflineEmptyTrash, nil)
	},
}

func init() {
	offlineMkdirCmd.Flags().Int64Var(&offlineFolderParent, "parent", 0, "parent folder id")
	offlineUploadCmd.Flags().Int64Var(&offlineUploadFolder, "folder", 0, "destination folder id")
	offlineUploadCmd.Flags().StringVar(&offlineUploadFormat, "format", "", "file format (default: by extension)")
	offlineCmd.AddCommand(offlineLsCmd, offlineMkdirCmd, offlineUploadCmd, offlineMvCmd, offlineRenameCmd, offlineRmCmd, offlineEmptyTrashCmd)
	rootCmd.AddCommand(offlineCmd)
}
