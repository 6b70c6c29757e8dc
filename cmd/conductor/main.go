package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"conductor/internal/app"
	"conductor/internal/auditlog"
	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/orchestrator"
	"conductor/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor CLI",
	Long: `Conductor turns a goal into a dependency-ordered step plan and drives it
through model backends, keeping a per-project audit log of every decision.
Core concepts:
- Project: one goal plus its plan, state, and audit log, stored in its own database under .conductor/.
- Plan: generated steps with categories and dependencies; it waits for your approval before anything runs.
- Steps: execute in dependency order; failures are retried on an escalated backend, blocked steps are skipped.
- Interventions: pause, resume, approve_plan, and provide_feedback steer a project while it runs.
- Memory: per-project retrieval context; research steps consult it, completed work can be ingested back.
- Audit log: append-only diary of every action, view with 'conductor log tail'.
- Simulate mode: run the whole lifecycle offline with in-process collaborators.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CONDUCTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = godotenv.Load()
	if ws := viper.GetString("workspace"); ws != "" && ws != "." {
		_ = godotenv.Load(filepath.Join(ws, ".env"))
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "user identifier recorded on log entries")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("simulate", false, "force in-process collaborators regardless of config")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("simulate", rootCmd.PersistentFlags().Lookup("simulate"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var goal, workspaceID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project from a goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				id, err := rt.Orchestrator.CreateProject(ctx, orchestrator.CreateProjectOptions{
					Goal:        goal,
					UserID:      viper.GetString("user-id"),
					WorkspaceID: workspaceID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{
						"project_id": id,
						"status":     string(domain.ProjectInitializing),
					})
				}
				fmt.Printf("Created project %s\n", id)
				fmt.Printf("Next: conductor plan generate %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "project goal")
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "workspace identifier recorded on log entries")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects in this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ids, err := rt.Orchestrator.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ids)
				}
				if len(ids) == 0 {
					fmt.Println("no projects; create one with conductor project create --goal \"...\"")
					return nil
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project's status report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Orchestrator.ProjectStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Generate, inspect, and approve step plans",
		Long:  "Plans are generated from the goal, reviewed by you, and only run after approval. Regenerate as often as you like before approving.",
	}
	plan.AddCommand(planGenerateCmd())
	plan.AddCommand(planShowCmd())
	plan.AddCommand(planApproveCmd())
	return plan
}

func planGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <project-id>",
		Short: "Generate the step plan from the goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				steps, err := rt.Orchestrator.GeneratePlan(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				renderSteps(steps)
				fmt.Printf("Plan awaiting approval: conductor plan approve %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func planShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show the current step plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				steps, err := rt.Orchestrator.Plan(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				if len(steps) == 0 {
					fmt.Println("no plan yet; generate one with conductor plan generate")
					return nil
				}
				renderSteps(steps)
				return nil
			})
		},
	}
	return cmd
}

func planApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <project-id>",
		Short: "Approve the plan and unlock execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return intervene(cmd.Context(), args[0], domain.InterventionApprovePlan, nil)
		},
	}
	return cmd
}

func stepCmd() *cobra.Command {
	step := &cobra.Command{Use: "step", Short: "Execute individual steps"}
	step.AddCommand(stepExecCmd())
	return step
}

func stepExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <project-id> <step-id>",
		Short: "Execute one step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				result, err := rt.Orchestrator.ExecuteStep(ctx, args[0], args[1])
				var stepErr *domain.StepExecutionError
				if err != nil && !errors.As(err, &stepErr) {
					return err
				}
				if viper.GetBool("json") {
					if jsonErr := printJSON(result); jsonErr != nil {
						return jsonErr
					}
				} else {
					fmt.Printf("Step %s: %s\n", result.StepID, result.Status)
					if result.Detail != "" {
						fmt.Println(result.Detail)
					}
				}
				return err
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <project-id>",
		Short: "Run every ready step until the project settles",
		Long:  "Executes pending steps in dependency order until the project completes, fails, pauses, or needs review. Failed steps do not stop the run; downstream steps are skipped.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Orchestrator.RunProject(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				if len(report.Executed) == 0 {
					fmt.Println("no steps were ready to run")
				} else {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Step", "Status", "Detail"})
					for _, res := range report.Executed {
						tw.AppendRow(table.Row{res.StepID, res.Status, res.Detail})
					}
					tw.Render()
				}
				fmt.Printf("Project status: %s\n", report.Status)
				return nil
			})
		},
	}
	return cmd
}

func pauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause <project-id>",
		Short: "Pause execution; in-flight steps run to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return intervene(cmd.Context(), args[0], domain.InterventionPause, nil)
		},
	}
	return cmd
}

func resumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <project-id>",
		Short: "Resume a paused project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return intervene(cmd.Context(), args[0], domain.InterventionResume, nil)
		},
	}
	return cmd
}

func feedbackCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "feedback <project-id>",
		Short: "Queue user feedback as a step gated on the current plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return intervene(cmd.Context(), args[0], domain.InterventionProvideFeedback,
				map[string]any{"feedback": message})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "feedback text")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show the project scoreboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Orchestrator.ProjectStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Project: %s (%s)\n", report.ProjectID, report.Status)
				fmt.Printf("Goal: %s\n", report.Goal)
				if report.ActiveStepID != "" {
					fmt.Printf("Active step: %s\n", report.ActiveStepID)
				}
				fmt.Printf("Steps: %d/%d completed (%.0f%%)\n",
					report.Counts.Completed, report.Counts.Total, report.PctComplete)
				if report.Counts.Failed > 0 {
					fmt.Printf("  failed: %d\n", report.Counts.Failed)
				}
				if report.Counts.Skipped > 0 {
					fmt.Printf("  skipped: %d\n", report.Counts.Skipped)
				}
				if report.Counts.Running > 0 {
					fmt.Printf("  running: %d\n", report.Counts.Running)
				}
				return nil
			})
		},
	}
	return cmd
}

func summaryCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "summary <project-id>",
		Short: "Show goal, plan, and recent activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				summary, err := rt.Orchestrator.Summary(ctx, args[0], recent)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 10, "number of recent log entries")
	return cmd
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "The append-only diary of everything that happened: goals, plans, model selections, step outcomes, and interventions.",
	}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n, offset int
	var asc bool
	cmd := &cobra.Command{
		Use:   "tail <project-id>",
		Short: "Show audit log entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				entries, err := rt.Orchestrator.Log(ctx, args[0], auditlog.QueryOptions{
					Limit:   n,
					Offset:  offset,
					SortAsc: asc,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Timestamp", "Action", "Step", "Err"})
				for _, e := range entries {
					errMark := ""
					if e.IsError {
						errMark = "x"
					}
					tw.AppendRow(table.Row{e.ID, e.TS, e.Action, e.StepID, errMark})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	cmd.Flags().BoolVar(&asc, "asc", false, "oldest first")
	return cmd
}

func memoryCmd() *cobra.Command {
	mem := &cobra.Command{
		Use:   "memory",
		Short: "Search and feed project memory",
	}
	mem.AddCommand(memorySearchCmd())
	mem.AddCommand(memoryIngestCmd())
	return mem
}

func memorySearchCmd() *cobra.Command {
	var query string
	var topK int
	cmd := &cobra.Command{
		Use:   "search <project-id>",
		Short: "Search project memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				results, err := rt.Orchestrator.SearchMemory(ctx, args[0], query, topK)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				if len(results) == 0 {
					fmt.Println("no matches")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Score", "Content"})
				for _, r := range results {
					tw.AppendRow(table.Row{fmt.Sprintf("%.2f", r.Score), truncate(r.Content, 96)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "search query")
	cmd.Flags().IntVar(&topK, "top-k", 0, "max results (0 uses the configured default)")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func memoryIngestCmd() *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "ingest <project-id>",
		Short: "Store content in project memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Orchestrator.IngestMemory(ctx, args[0], content, nil); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]bool{"ingested": true})
				}
				fmt.Println("ingested")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "content to store")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "Config lives in conductor.yml: backend ids, collaborator endpoints, planner bounds, and retry limits.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default conductor.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate conductor.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errText(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowUserHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:       os.Getenv("CONDUCTOR_JWT_SECRET"),
					AllowUserHeader: allowUserHeader,
					Logger:          rt.Logger,
				}
				if authCfg.JWTSecret == "" && !allowUserHeader {
					return fmt.Errorf("CONDUCTOR_JWT_SECRET is required for bearer auth (or pass --allow-user-header for development)")
				}
				handler, err := server.New(server.Config{
					Orchestrator: rt.Orchestrator,
					BasePath:     basePath,
					Auth:         authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Conductor API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowUserHeader, "allow-user-header", false, "accept X-User-Id instead of a JWT (development only)")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.NewRuntime(app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
		Simulate:  viper.GetBool("simulate"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func intervene(ctx context.Context, projectID string, cmd domain.InterventionCommand, payload map[string]any) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		result, err := rt.Orchestrator.HandleIntervention(ctx, projectID, cmd, payload)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			if err := printJSON(result); err != nil {
				return err
			}
		} else if result.Accepted {
			fmt.Printf("%s accepted; project status: %s\n", result.Command, result.Status)
			if result.Detail != "" {
				fmt.Println(result.Detail)
			}
		} else {
			fmt.Printf("%s rejected (%s): %s\n", result.Command, result.Code, result.Detail)
		}
		if !result.Accepted {
			return fmt.Errorf("intervention %s rejected: %s", result.Command, result.Code)
		}
		return nil
	})
}

func renderSteps(steps []domain.Step) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Category", "Complexity", "Status", "Depends On"})
	for _, s := range steps {
		tw.AppendRow(table.Row{s.ID, s.Name, s.Category, s.Complexity, s.Status, strings.Join(s.DependsOn, ", ")})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
