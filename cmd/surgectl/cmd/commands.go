package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/surgeproject/surge/internal/surge/domain"
)

func createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <definition.json>",
		Short: "Create a test definition from a JSON file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return errors.WithMessagef(err, "failed to read %s", args[0])
			}
			definition := &domain.TestDefinition{}
			if err := json.Unmarshal(raw, definition); err != nil {
				return errors.WithMessagef(err, "failed to parse %s", args[0])
			}
			created, err := apiClient(cmd).CreateDefinition(definition)
			if err != nil {
				return err
			}
			fmt.Printf("Created definition %s (version %d)\n", created.ID, created.Version)
			return nil
		},
	}
	return cmd
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <definition-id>",
		Short: "Start an execution of a test definition.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			execution, err := apiClient(cmd).StartExecution(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Started execution %s (engine %s, state %s)\n", execution.ID, execution.Engine, execution.State)
			return nil
		},
	}
	return cmd
}

func abortCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <execution-id>",
		Short: "Abort a queued or running execution.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd).AbortExecution(args[0], reason); err != nil {
				return err
			}
			fmt.Printf("Abort requested for execution %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the execution")
	return cmd
}

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show the current state of an execution.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			execution, err := apiClient(cmd).GetExecution(args[0])
			if err != nil {
				return err
			}
			return printJSON(execution)
		},
	}
	return cmd
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics <execution-id>",
		Short: "Show the metric snapshot of an execution, live or final.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := apiClient(cmd).GetExecutionMetrics(args[0])
			if err != nil {
				return err
			}
			return printJSON(snapshot)
		},
	}
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <execution-id>",
		Short: "Stream live telemetry of a running execution until it finishes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiClient(cmd).WatchTelemetry(args[0], func(snapshot *domain.MetricSnapshot) bool {
				fmt.Printf("requests=%d errors=%d rate=%.1f/s p95=%s concurrency=%d\n",
					snapshot.TotalRequests,
					snapshot.TotalErrors,
					snapshot.Throughput,
					snapshot.P95Latency,
					snapshot.Concurrency)
				return true
			})
		},
	}
	return cmd
}

func killSwitchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "killswitch {on|off}",
		Short: "Engage or clear the emergency kill switch (admin only).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "on":
				if err := apiClient(cmd).SetKillSwitch(true); err != nil {
					return err
				}
				fmt.Println("Kill switch engaged; all executions are being aborted")
			case "off":
				if err := apiClient(cmd).SetKillSwitch(false); err != nil {
					return err
				}
				fmt.Println("Kill switch cleared")
			default:
				return errors.Errorf("expected \"on\" or \"off\", got %q", args[0])
			}
			return nil
		},
	}
	return cmd
}

func printJSON(body interface{}) error {
	encoded, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
