package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	agentlua "github.com/mpataki/agentrun/internal/lua"
	"github.com/mpataki/agentrun/internal/models"
	"github.com/mpataki/agentrun/internal/notify"
	"github.com/mpataki/agentrun/internal/orchestrator"
	"github.com/mpataki/agentrun/internal/storage"
	"github.com/mpataki/agentrun/internal/transcript"
)

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid run ID: %q", s)
	}
	return id, nil
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <agent> [task]",
		Short: "Start an agent run and follow it to completion",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			model, _ := cmd.Flags().GetString("model")
			quiet, _ := cmd.Flags().GetBool("quiet")

			req := orchestrator.Request{AgentID: args[0], ProjectPath: project, Model: model}
			if len(args) > 1 {
				req.Task = args[1]
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			sub := e.orch.Subscribe(notify.AllRuns)
			defer sub.Close()

			runID, err := e.orch.Execute(ctx, req)
			if err != nil {
				return fmt.Errorf("failed to start run: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Started run #%d\n", runID)

			run, err := follow(ctx, e.orch, sub, runID, quiet)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Run #%d finished with status: %s\n", run.ID, run.Status)
			if run.Status != models.RunStatusCompleted {
				return fmt.Errorf("run #%d %s", run.ID, run.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringP("project", "p", ".", "Project directory the agent works in")
	cmd.Flags().StringP("model", "m", "", "Model override (default: the agent's model)")
	cmd.Flags().BoolP("quiet", "q", false, "Don't print agent output")
	return cmd
}

// follow prints the run's events until it finishes. An interrupt cancels
// the run and keeps waiting for it to settle.
func follow(ctx context.Context, orch *orchestrator.Orchestrator, sub *notify.Subscription, runID int64, quiet bool) (*models.Run, error) {
	waitCtx := context.WithoutCancel(ctx)
	type result struct {
		run *models.Run
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := orch.Wait(waitCtx, runID)
		done <- result{run, err}
	}()

	show := func(ev notify.Event) {
		if ev.RunID != runID || quiet {
			return
		}
		switch ev.Type {
		case notify.EventOutput:
			fmt.Fprintln(os.Stdout, ev.Line)
		case notify.EventError:
			fmt.Fprintln(os.Stderr, ev.Line)
		}
	}

	interrupted := ctx.Done()
	for {
		select {
		case ev := <-sub.Events():
			show(ev)
		case <-interrupted:
			interrupted = nil
			fmt.Fprintf(os.Stderr, "Cancelling run #%d...\n", runID)
			if _, err := orch.Cancel(waitCtx, runID); err != nil {
				log.Errorf(waitCtx, err, "failed to cancel run %d", runID)
			}
		case r := <-done:
			// Flush whatever is still buffered.
			for {
				select {
				case ev := <-sub.Events():
					show(ev)
				default:
					return r.run, r.err
				}
			}
		}
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			running, _ := cmd.Flags().GetBool("running")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			var runs []*models.Run
			switch {
			case running:
				runs, err = e.store.ListRunningRuns(ctx)
			case agent != "":
				runs, err = e.orch.ListRunsByAgent(ctx, agent)
			default:
				runs, err = e.orch.ListRuns(ctx, limit)
			}
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("#%d %s [%s] %s  %s\n",
					run.ID, run.AgentName, run.Status,
					storage.FormatTimeAgo(run.CreatedAt),
					truncate(run.Task, 50))
			}

			return nil
		},
	}

	cmd.Flags().String("agent", "", "Only runs of this agent")
	cmd.Flags().Bool("running", false, "Only runs recorded as running")
	cmd.Flags().IntP("limit", "n", 20, "Maximum number of runs")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status and metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			rm, err := e.orch.RunWithMetrics(ctx, runID)
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}
			run := rm.Run

			fmt.Printf("Run #%d: %s (%s)\n", run.ID, run.AgentName, run.AgentID)
			fmt.Printf("Status: %s\n", run.Status)
			if run.Reconciled {
				fmt.Println("Note: process exited unobserved; status set by reconciliation")
			}
			fmt.Printf("Task: %s\n", run.Task)
			fmt.Printf("Model: %s\n", run.Model)
			fmt.Printf("Project: %s\n", run.ProjectPath)
			if run.SessionID != "" {
				fmt.Printf("Session: %s\n", run.SessionID)
			}
			if run.PID != nil {
				fmt.Printf("PID: %d\n", *run.PID)
			}
			fmt.Printf("Created: %s\n", run.CreatedAt.Local().Format(time.DateTime))
			if run.CompletedAt != nil {
				fmt.Printf("Completed: %s\n", run.CompletedAt.Local().Format(time.DateTime))
			}

			if m := rm.Metrics; m != nil {
				fmt.Println("\nMetrics:")
				if m.DurationMS != nil {
					fmt.Printf("  Duration: %s\n", time.Duration(*m.DurationMS)*time.Millisecond)
				}
				if m.TotalTokens != nil {
					fmt.Printf("  Tokens: %d\n", *m.TotalTokens)
				}
				if m.CostUSD != nil {
					fmt.Printf("  Cost: $%.4f\n", *m.CostUSD)
				}
				if m.MessageCount != nil {
					fmt.Printf("  Messages: %d\n", *m.MessageCount)
				}
			}

			return nil
		},
	}
}

func newOutputCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "output <run-id>",
		Short: "Print a run's session output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			followF, _ := cmd.Flags().GetBool("follow")
			summary, _ := cmd.Flags().GetBool("summary")
			history, _ := cmd.Flags().GetBool("history")

			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			switch {
			case followF:
				err := e.orch.StreamSessionOutput(ctx, runID, func(chunk string) error {
					_, err := fmt.Fprint(os.Stdout, chunk)
					return err
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err

			case history:
				records, err := e.orch.SessionHistory(ctx, runID)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			out, err := e.orch.SessionOutput(ctx, runID)
			if err != nil {
				return err
			}
			if summary {
				out = transcript.LastAssistantText(out)
				if out == "" {
					return errors.New("no assistant output found")
				}
				fmt.Println(out)
				return nil
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().BoolP("follow", "f", false, "Stream output while the run is active")
	cmd.Flags().Bool("summary", false, "Print only the final assistant message")
	cmd.Flags().Bool("history", false, "Print decoded transcript records as JSON")
	cmd.MarkFlagsMutuallyExclusive("follow", "summary", "history")
	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			ok, err := e.orch.Cancel(ctx, runID)
			if err != nil {
				return fmt.Errorf("failed to cancel run: %w", err)
			}
			if !ok {
				fmt.Printf("Run #%d is not running\n", runID)
				return nil
			}

			fmt.Printf("Cancelled run #%d\n", runID)
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.orch.DeleteRun(ctx, runID); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}

			fmt.Printf("Deleted run #%d\n", runID)
			return nil
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile running rows whose process is gone",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := e.orch.Sweep(ctx)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("Nothing to reconcile.")
				return nil
			}
			for _, id := range ids {
				fmt.Printf("Reconciled run #%d\n", id)
			}
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation sweep until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			interval := e.cfg.Orchestrator.SweepInterval.Duration
			if d, _ := cmd.Flags().GetDuration("interval"); d > 0 {
				interval = d
			}

			log.Print(ctx, log.KV{K: "msg", V: "sweeper started"}, log.KV{K: "interval", V: interval.String()})
			err = e.orch.RunSweeper(ctx, interval)
			if errors.Is(err, context.Canceled) {
				log.Print(ctx, log.KV{K: "msg", V: "sweeper stopped"})
				return nil
			}
			return err
		},
	}

	cmd.Flags().Duration("interval", 0, "Sweep interval (default: from config)")
	return cmd
}

func newScriptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script <file.lua>",
		Short: "Run a Lua batch script that starts agent runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !agentlua.IsScript(path) {
				return fmt.Errorf("not a Lua script: %s", path)
			}
			project, _ := cmd.Flags().GetString("project")

			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			rt := agentlua.NewRuntime(e.orch, project)
			res, err := rt.ExecuteFile(ctx, path)
			if res != nil {
				for _, line := range res.Logs {
					fmt.Println(line)
				}
				if len(res.Runs) > 0 {
					fmt.Fprintf(os.Stderr, "Script started %d run(s): %v\n", len(res.Runs), res.Runs)
				}
			}
			return err
		},
	}

	cmd.Flags().StringP("project", "p", ".", "Default project directory passed to workflow()")
	return cmd
}

func newAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List available agent definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			agents := e.agents.List()
			if len(agents) == 0 {
				fmt.Printf("No agents found in %v\n", e.cfg.AgentDirs())
				return nil
			}
			for _, a := range agents {
				name := a.Name
				if a.Icon != "" {
					name = a.Icon + " " + name
				}
				fmt.Printf("%-20s %-24s %-8s %s\n", a.ID, name, a.Model, a.Source)
			}
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
