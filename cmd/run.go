package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/avelsher/portalpilot/config"
	"github.com/avelsher/portalpilot/internal/agent/core"
	"github.com/avelsher/portalpilot/internal/agent/telemetry"
	"github.com/avelsher/portalpilot/internal/browser"
	srv "github.com/avelsher/portalpilot/internal/server"
)

// runCMD executes a single goal without the HTTP server and prints the
// workflow result as JSON. Useful for cron jobs and local debugging.
func runCMD() *cobra.Command {
	var cfgPath string
	var noReview bool
	var run = &cobra.Command{
		Use:   "run [goal]",
		Short: "Execute a single goal and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			goal := strings.Join(args, " ")

			tele := telemetry.NewTelemetry(cfg.Telemetry)

			registry, err := srv.BuildRegistry(cfg.Capability)
			if err != nil {
				return err
			}
			llm, err := core.NewReasoningProvider(cfg.LLM)
			if err != nil {
				return err
			}
			automation, err := browser.New(cfg.Browser)
			if err != nil {
				return fmt.Errorf("starting browser: %w", err)
			}

			orch := core.NewOrchestrator(cfg, tele, registry, llm, automation)

			base := cfg.Workflow.Normalize()
			wf := core.WorkflowConfig{
				MaxIterations: base.MaxIterations,
				RequireReview: base.RequireReview && !noReview,
				AutoRetry:     base.AutoRetry,
				RetryLimit:    base.RetryLimit,
				Timeout:       base.Timeout,
				MaxReplans:    base.MaxReplans,
			}
			res := orch.RunWorkflow(context.Background(), goal, wf)
			automation.Close()
			tele.Shutdown()

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if !res.Success {
				os.Exit(1)
			}
			return nil
		},
	}
	run.Flags().BoolVar(&noReview, "no-review", false, "skip the plan and task review gate")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return run
}
