package cmd

import (
	"github.com/spf13/cobra"

	"github.com/surgeproject/surge/internal/client"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "surgectl",
		Short: "surgectl controls the Surge load-test orchestrator.",
	}

	cmd.PersistentFlags().String("url", "http://localhost:8080", "Surge API endpoint")
	cmd.PersistentFlags().String("user", "", "Principal name to act as")
	cmd.PersistentFlags().String("org", "", "Organisation of the principal")
	cmd.PersistentFlags().String("role", "operator", "Role of the principal (admin, operator or viewer)")

	cmd.AddCommand(
		createCmd(),
		startCmd(),
		abortCmd(),
		getCmd(),
		metricsCmd(),
		watchCmd(),
		killSwitchCmd(),
	)

	return cmd
}

func apiClient(cmd *cobra.Command) *client.Client {
	url, _ := cmd.Flags().GetString("url")
	user, _ := cmd.Flags().GetString("user")
	org, _ := cmd.Flags().GetString("org")
	role, _ := cmd.Flags().GetString("role")
	return client.New(client.ConnectionDetails{URL: url, User: user, Org: org, Role: role})
}
