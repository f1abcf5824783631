package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "edbcore",
		Short:         "Onion metadata and principal key service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "edb.yaml", "config file (YAML); EDB_* variables override it")

	root.AddCommand(newServeCmd())
	root.AddCommand(newTablesCmd())
	root.AddCommand(newGraphCmd())
	root.AddCommand(newSchemaCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
