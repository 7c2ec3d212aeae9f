package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/locstore/ldm/internal/rpc"
	"github.com/locstore/ldm/internal/types"
)

var (
	uploadProject int64
	uploadFolder  int64
	uploadFormat  string
	downloadOut   string
)

var uploadCmd = &cobra.Command{
	Use:   "upload PATH --project ID",
	Short: "Upload a file into a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		format := types.FileFormat(uploadFormat)
		if uploadFormat == "" {
			format = types.FileFormat(strings.TrimPrefix(filepath.Ext(args[0]), "."))
		}
		a := &rpc.FileUploadArgs{
			Name:      filepath.Base(args[0]),
			ProjectID: uploadProject,
			Format:    format,
			Content:   string(content),
		}
		if uploadFolder != 0 {
			a.FolderID = &uploadFolder
		}
		return call(cmd.Context(), rpc.OpFileUpload, a)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download FILE_ID",
	Short: "Download a file in its stored format",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		data, err := newClient().Call(cmd.Context(), rpc.OpFileDownload, &rpc.FileDownloadArgs{FileID: id})
		if err != nil {
			return err
		}
		var res rpc.FileDownloadResult
		if err := json.Unmarshal(data, &res); err != nil {
			return err
		}
		if downloadOut == "" {
			_, err = os.Stdout.WriteString(res.Content)
			return err
		}
		return os.WriteFile(downloadOut, []byte(res.Content), 0o644)
	},
}

var rowsCmd = &cobra.Command{
	Use:   "rows FILE_ID",
	Short: "List a file's rows in index order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpRowList, &rpc.RowListArgs{FileID: id})
	},
}

func init() {
	uploadCmd.Flags().Int64Var(&uploadProject, "project", 0, "destination project id")
	uploadCmd.Flags().Int64Var(&uploadFolder, "folder", 0, "destination folder id")
	uploadCmd.Flags().StringVar(&uploadFormat, "format", "", "file format (default: by extension)")
	_ = uploadCmd.MarkFlagRequired("project")
	downloadCmd.Flags().StringVarP(&downloadOut, "out", "o", "", "write to file instead of stdout")
	rootCmd.AddCommand(uploadCmd, downloadCmd, rowsCmd)
}
