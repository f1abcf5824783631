package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTablesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "Manage the access tables of the policy graph",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create every access table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			g, err := e.graph()
			if err != nil {
				return err
			}
			if err := g.CreateTables(cmd.Context(), e.db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d access tables\n", len(g.Edges()))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "drop",
		Short: "Drop every access table, losing the stored keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			g, err := e.graph()
			if err != nil {
				return err
			}
			if err := g.DeleteTables(cmd.Context(), e.db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %d access tables\n", len(g.Edges()))
			return nil
		},
	})
	return cmd
}

func newGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the principal graph built from the policy file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			g, err := e.graph()
			if err != nil {
				return err
			}
			_, err = g.WriteTo(cmd.OutOrStdout())
			return err
		},
	}
}
