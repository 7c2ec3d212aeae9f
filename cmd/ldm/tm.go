package main

import (
	"bufio"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/locstore/ldm/internal/rpc"
	"github.com/locstore/ldm/internal/types"
)

var tmCmd = &cobra.Command{
	Use:   "tm",
	Short: "Manage translation memories",
}

var (
	tmCreateProject int64
	tmCreateSource  string
	tmCreateTarget  string
	tmSearchLimit   int
	tmPretransTM    int64
)

var tmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List translation memories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd.Context(), rpc.OpTMList, nil)
	},
}

var tmCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create an empty TM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := &rpc.TMCreateArgs{Name: args[0], SourceLang: tmCreateSource, TargetLang: tmCreateTarget}
		if tmCreateProject != 0 {
			a.ProjectID = &tmCreateProject
		}
		return call(cmd.Context(), rpc.OpTMCreate, a)
	},
}

// tmImportCmd reads tab-separated source/target pairs, the same shape the
// .tsv boundary format uses.
var tmImportCmd = &cobra.Command{
	Use:   "import TM_ID PATH",
	Short: "Import source/target pairs from a .tsv file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		var pairs []rpc.TMPair
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			source, target, _ := strings.Cut(line, "\t")
			pairs = append(pairs, rpc.TMPair{Source: source, Target: target})
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpTMImport, &rpc.TMImportArgs{TMID: id, Pairs: pairs})
	},
}

var tmActivateCmd = &cobra.Command{
	Use:   "activate TM_ID",
	Short: "Make a TM the active one for lookups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpTMActivate, &rpc.TMActivateArgs{TMID: id})
	},
}

var tmSearchCmd = &cobra.Command{
	Use:   "search TEXT",
	Short: "Search the active TM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.Context(), rpc.OpTMSearch, &rpc.TMSearchArgs{Text: args[0], Limit: tmSearchLimit})
	},
}

var tmPretranslateCmd = &cobra.Command{
	Use:   "pretranslate FILE_ID",
	Short: "Pretranslate a file's pending rows and watch progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID, err := parseID(args[0])
		if err != nil {
			return err
		}
		a := &rpc.TMPretranslateArgs{FileID: fileID}
		if tmPretransTM != 0 {
			a.TMID = &tmPretransTM
		}
		var op types.Operation
		if err := newClient().CallInto(cmd.Context(), rpc.OpTMPretranslate, a, &op); err != nil {
			return err
		}
		return watchOp(cmd.Context(), op.OpID)
	},
}

var tmDeleteCmd = &cobra.Command{
	Use:   "delete TM_ID",
	Short: "Delete a TM with its entries and indexes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return call(cmd.Context(), rpc.OpTMDelete, &rpc.TMDeleteArgs{TMID: id})
	},
}

func init() {
	tmCreateCmd.Flags().Int64Var(&tmCreateProject, "project", 0, "owning project id")
	tmCreateCmd.Flags().StringVar(&tmCreateSource, "source-lang", "ko", "source language")
	tmCreateCmd.Flags().StringVar(&tmCreateTarget, "target-lang", "en", "target language")
	tmSearchCmd.Flags().IntVar(&tmSearchLimit, "limit", 5, "max candidates")
	tmPretranslateCmd.Flags().Int64Var(&tmPretransTM, "tm", 0, "TM id (default: the active TM)")
	tmCmd.AddCommand(tmListCmd, tmCreateCmd, tmImportCmd, tmActivateCmd, tmSearchCmd, tmPretranslateCmd, tmDeleteCmd)
	rootCmd.AddCommand(tmCmd)
}
