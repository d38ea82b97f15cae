package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/howard-nolan/modelproxy/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the backend catalog and print the compiled servers",
	Long: `Compile the backend catalog without contacting any server. Exits non-zero
with the first configuration error, otherwise prints each server with its
endpoints, profiles and rule counts.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	rt, err := config.LoadBackends(settings.Backends)
	if err != nil {
		return fmt.Errorf("%s: %w", settings.Backends, err)
	}

	out := cmd.OutOrStdout()
	for _, srv := range rt.Servers() {
		fmt.Fprintf(out, "%s\n", srv.Name)
		fmt.Fprintf(out, "  endpoints: %s\n", strings.Join(srv.Endpoints, ", "))
		fmt.Fprintf(out, "  auth:      %s\n", srv.Auth)
		if srv.Models != nil {
			fmt.Fprintf(out, "  models:    %s\n", strings.Join(srv.Models, ", "))
		}
		fmt.Fprintf(out, "  rules:     %d deny, %d defaults, %d overrides\n",
			len(srv.Deny), len(srv.Defaults), len(srv.Overrides))
		if srv.HideBaseModels {
			fmt.Fprintf(out, "  base models hidden\n")
		}
		for _, suffix := range srv.Suffixes() {
			fmt.Fprintf(out, "  profile -%s\n", suffix)
		}
	}
	fmt.Fprintf(out, "%d server(s) OK\n", len(rt.Servers()))
	return nil
}
