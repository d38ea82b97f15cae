package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Discover models once and print every routable id",
	Long: `Query every configured server's /models endpoint once, apply the allow-lists
and profiles, and print the resulting catalog, one id per line with the server
that serves it. Servers that fail to answer are logged and skipped.`,
	RunE: runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, _ []string) error {
	a, err := build()
	if err != nil {
		return err
	}
	defer func() { _ = a.logger.Sync() }()

	snap := a.registry.Refresh(cmd.Context())
	out := cmd.OutOrStdout()
	for _, id := range snap.IDs() {
		entry, _ := snap.Lookup(id)
		kind := "base"
		if entry.Virtual {
			kind = "virtual"
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", id, entry.Server, kind)
	}
	return nil
}
