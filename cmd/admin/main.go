package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:          "admin",
		Short:        "Operate a Label Center data directory and running server",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data", "./data", "runtime data directory")

	cmd.AddCommand(
		newListCmd(out, &dataDir),
		newDBCmd(out, &dataDir),
		newRewindCmd(out, &dataDir),
		newStateCmd(out),
		newSnapshotCmd(out),
	)
	return cmd
}

func newListCmd(out io.Writer, dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list [store]",
		Short: "List stores, or the snapshots of one store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := *dataDir
			if len(args) == 1 {
				base = filepath.Join(base, args[0], "snapshots")
			}
			entries, err := os.ReadDir(base)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintln(out, e.Name())
			}
			return nil
		},
	}
}

func printJSON(out io.Writer, v any) {
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
