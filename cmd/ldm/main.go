// Command ldm runs the localization data manager server and talks to a
// running one.
//
// `ldm serve` starts a server in authoritative (postgres) or local
// (sqlite) mode per the config file; every other subcommand is a thin
// client over the server's HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/locstore/ldm/internal/rpc"
	"github.com/locstore/ldm/internal/types"
)

var version = "0.3.0-dev"

var (
	flagConfig string
	flagServer string
	flagToken  string
)

var rootCmd = &cobra.Command{
	Use:           "ldm",
	Short:         "Localization data manager",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ldm.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", envOr("LDM_SERVER", "http://127.0.0.1:8441"), "server base URL")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("LDM_TOKEN"), "bearer token (or LDM_TOKEN)")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() *rpc.Client {
	return rpc.NewClient(flagServer, flagToken)
}

// call posts one operation and pretty-prints the reply.
func call(ctx context.Context, operation string, args interface{}) error {
	data, err := newClient().Call(ctx, operation, args)
	if err != nil {
		return err
	}
	return printJSON(json.RawMessage(data))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// exitCode maps an error kind to a stable process exit code so scripts can
// branch without parsing messages.
func exitCode(err error) int {
	switch types.KindOf(err) {
	case types.KindInvalidArgument:
		return 2
	case types.KindUnauthenticated, types.KindForbidden:
		return 3
	case types.KindNotFound:
		return 4
	case types.KindConflict, types.KindPrecondition:
		return 5
	case types.KindCancelled:
		return 6
	case types.KindTimeout, types.KindTransient, types.KindResourceExhausted:
		return 7
	}
	return 1
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if kind := types.KindOf(err); kind != types.KindInternal {
			fmt.Fprintf(os.Stderr, "ldm: %s: %v\n", kind, err)
		} else {
			fmt.Fprintf(os.Stderr, "ldm: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}
