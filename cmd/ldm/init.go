package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/locstore/ldm/internal/types"
)

// starterConfig is written by `ldm init`. It runs a single-user local
// instance out of the box; the commented keys show how to point it at a
// central server or run authoritatively.
const starterConfig = `database:
  mode: local            # local (sqlite) or authoritative (postgres)
  path: ldm.db
  # dsn: postgres://ldm@localhost/ldm?sslmode=disable

server:
  listen: 127.0.0.1:8441

auth:
  tokens:
    - token: change-me
      user: admin
      role: admin

tm:
  index_dir: tm-index
  cascade:
    threshold_fuzzy: 0.85
    threshold_semantic: 0.75
    enable_deep: false

trash:
  retention_days: 30

sync:
  poll_interval_ms: 5000
  auto_on_file_open: true
  # central_url: https://ldm.example.com:8441
  # central_token: change-me
  # drop_folder: drops
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter ldm.yaml in the current directory",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if _, err := os.Stat("ldm.yaml"); err == nil {
			return types.E(types.KindConflict, "ldm.yaml already exists")
		}
		if err := os.WriteFile("ldm.yaml", []byte(starterConfig), 0o600); err != nil {
			return err
		}
		fmt.Println("wrote ldm.yaml; edit the auth token before serving")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
