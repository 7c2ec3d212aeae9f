package main

import (
	"github.com/spf13/cobra"

	"github.com/locstore/ldm/internal/rpc"
	"github.com/locstore/ldm/internal/types"
)

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "File tools: convert, register as TM, merge, glossary, QA",
}

var fileConvertCmd = &cobra.Command{
	Use:   "convert FILE_ID FORMAT",
	Short: "Render a file in another format (stored format unchanged)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpFileConvert, &rpc.FileConvertArgs{FileID: id, Format: types.FileFormat(args[1])})
	},
}

var (
	registerTMName   string
	registerTMSource string
	registerTMTarget string
)

var fileRegisterTMCmd = &cobra.Command{
	Use:   "register-tm FILE_ID",
	Short: "Build a translation memory from a file's translated rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpFileRegisterTM, &rpc.FileRegisterTMArgs{
			FileID: id, Name: registerTMName,
			SourceLang: registerTMSource, TargetLang: registerTMTarget,
		})
	},
}

var fileMergeCmd = &cobra.Command{
	Use:   "merge SOURCE_FILE_ID DEST_FILE_ID",
	Short: "Fold translations from one file into another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := parseID(args[0])
		if err != nil {
			return err
		}
		dest, err := parseID(args[1])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpFileMerge, &rpc.FileMergeArgs{SourceFileID: src, DestFileID: dest})
	},
}

var glossaryMinCount int

var fileGlossaryCmd = &cobra.Command{
	Use:   "glossary FILE_ID",
	Short: "Extract repeated, consistently translated terms",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpFileGlossary, &rpc.FileGlossaryArgs{FileID: id, MinCount: glossaryMinCount})
	},
}

var fileQACmd = &cobra.Command{
	Use:   "qa FILE_ID",
	Short: "Run the built-in quality checks over a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpFileRunQA, &rpc.FileRunQAArgs{FileID: id})
	},
}

func init() {
	fileRegisterTMCmd.Flags().StringVar(&registerTMName, "name", "", "TM name (default: the file name)")
	fileRegisterTMCmd.Flags().StringVar(&registerTMSource, "source-lang", "", "source language code")
	fileRegisterTMCmd.Flags().StringVar(&registerTMTarget, "target-lang", "", "target language code")
	_ = fileRegisterTMCmd.MarkFlagRequired("source-lang")
	_ = fileRegisterTMCmd.MarkFlagRequired("target-lang")
	fileGlossaryCmd.Flags().IntVar(&glossaryMinCount, "min-count", 0, "minimum occurrences (default 2)")
	fileCmd.AddCommand(fileConvertCmd, fileRegisterTMCmd, fileMergeCmd, fileGlossaryCmd, fileQACmd)
	rootCmd.AddCommand(fileCmd)
}
