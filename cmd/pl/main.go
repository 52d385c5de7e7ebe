package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/logging"
	"phaseline/internal/server"
	phaselinesdk "phaseline/sdk/go"
)

const rootLong = `Phaseline drives a project through a fixed pipeline of phases, each handled
by a worker, and pauses at approval gates for a human decision.
- Workspace: a directory holding phaseline.yml and the .phaseline state database.
- Project: one description of work, moving created -> running -> completed (or failed/abandoned).
- Phase: one step (analysis, research, planning, ...) run by the worker bound to its capability.
- Gate: plan, QA and publish approvals; resolve with approve, changes_requested or reject.
- Iteration: feedback that re-enters the pipeline at the phase its category maps to.
- Activity log: the ordered record of everything that happened, view with 'pl log tail'.`

func main() {
	cobra.OnInitialize(initConfig)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pl",
		Short:         "Phaseline CLI",
		Long:          rootLong,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := db.EnsureWorkspace(viper.GetString("workspace"))
			return err
		},
	}
	root.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	root.PersistentFlags().String("log-level", "warn", "log level for CLI commands")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level"} {
		_ = viper.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}

	root.AddCommand(projectCmd())
	root.AddCommand(runCmd())
	root.AddCommand(stopCmd())
	root.AddCommand(gateCmd())
	root.AddCommand(feedbackCmd())
	root.AddCommand(logCmd())
	root.AddCommand(artifactCmd())
	root.AddCommand(historyCmd("runs", "List phase runs"))
	root.AddCommand(historyCmd("gates", "List gates"))
	root.AddCommand(historyCmd("iterations", "List iterations"))
	root.AddCommand(recoverCmd())
	root.AddCommand(configCmd())
	root.AddCommand(serveCmd())
	return root
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	var maxIterations int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateProject(ctx, engine.CreateProjectOptions{
					ID:            id,
					Description:   desc,
					MaxIterations: maxIterations,
					Actor:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printProject(cmd.OutOrStdout(), p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&desc, "description", "", "what to build")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "feedback iteration limit (config default when 0)")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func projectListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					items []domain.Project
					err   error
				)
				if status != "" {
					items, err = a.Engine.Repo.ProjectsWithStatus(ctx, nil, domain.ProjectStatus(status))
				} else {
					items, err = a.Engine.Repo.ListProjects(ctx)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, items)
				}
				tw := newTable(out, table.Row{"ID", "Status", "Phase", "Iterations", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Status, p.Phase(), fmt.Sprintf("%d/%d", p.IterationCount, p.MaxIterations), p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Project(ctx, args[0])
				if err != nil {
					return err
				}
				return printProject(cmd.OutOrStdout(), p)
			})
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <project-id>",
		Short: "Run a project until it reaches a gate or finishes",
		Long:  "Run executes phases in this process, printing activity as it happens. Interrupting stops the project.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return follow(ctx, cmd.OutOrStdout(), a, args[0], func() error {
					_, err := a.Engine.Run(ctx, args[0], viper.GetString("actor-id"))
					return err
				})
			})
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <project-id>",
		Short: "Abandon a running project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Stop(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if err := a.Engine.Wait(ctx, args[0]); err != nil {
					return err
				}
				if p, err = a.Engine.Project(ctx, p.ID); err != nil {
					return err
				}
				return printProject(cmd.OutOrStdout(), p)
			})
		},
	}
}

func gateCmd() *cobra.Command {
	gate := &cobra.Command{Use: "gate", Short: "Resolve approval gates"}
	var kind, decision, category, feedback string
	resolve := &cobra.Command{
		Use:   "resolve <project-id>",
		Short: "Approve, request changes on, or reject the open gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if kind == "" {
					p, err := a.Engine.Project(ctx, args[0])
					if err != nil {
						return err
					}
					k, ok := p.Status.Gate()
					if !ok {
						return fmt.Errorf("project %s is %s, no gate is open", p.ID, p.Status)
					}
					kind = string(k)
				}
				return follow(ctx, cmd.OutOrStdout(), a, args[0], func() error {
					_, err := a.Engine.ResolveGate(ctx, engine.ResolveGateOptions{
						ProjectID: args[0],
						Gate:      domain.GateKind(kind),
						Decision:  domain.Decision(decision),
						Actor:     viper.GetString("actor-id"),
						Category:  domain.FeedbackCategory(category),
						Feedback:  feedback,
					})
					return err
				})
			})
		},
	}
	resolve.Flags().StringVar(&kind, "gate", "", "gate kind (defaults to the open gate)")
	resolve.Flags().StringVar(&decision, "decision", "", "approve, changes_requested or reject")
	resolve.Flags().StringVar(&category, "category", "", "feedback category for changes_requested")
	resolve.Flags().StringVar(&feedback, "feedback", "", "feedback text for changes_requested")
	_ = resolve.MarkFlagRequired("decision")
	gate.AddCommand(resolve)
	return gate
}

func feedbackCmd() *cobra.Command {
	var category, text string
	cmd := &cobra.Command{
		Use:   "feedback <project-id>",
		Short: "Submit feedback and start an iteration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return follow(ctx, cmd.OutOrStdout(), a, args[0], func() error {
					_, err := a.Engine.SubmitFeedback(ctx, engine.FeedbackOptions{
						ProjectID: args[0],
						Category:  domain.FeedbackCategory(category),
						Text:      text,
						Actor:     viper.GetString("actor-id"),
					})
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "bug_fix", "bug_fix, design_change or scope_change")
	cmd.Flags().StringVar(&text, "text", "", "feedback text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Read the activity log"}
	lg.AddCommand(logTailCmd())
	lg.AddCommand(logFollowCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var from int64
	var n int
	cmd := &cobra.Command{
		Use:   "tail <project-id>",
		Short: "Print activity entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Project(ctx, args[0]); err != nil {
					return err
				}
				start := from
				if start <= 0 && n > 0 {
					last, err := a.Engine.Log.LastSeq(ctx, args[0])
					if err != nil {
						return err
					}
					start = max(last-int64(n)+1, 1)
				}
				items, err := a.Engine.Log.Entries(ctx, args[0], start, 0)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, items)
				}
				tw := newTable(out, table.Row{"Seq", "TS", "Kind", "Actor", "Detail"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.Seq, e.TS, e.Kind, e.Actor, detail(e)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first seq to print")
	cmd.Flags().IntVar(&n, "n", 20, "number of trailing entries when --from is not set")
	return cmd
}

func logFollowCmd() *cobra.Command {
	var serverURL string
	var from int64
	cmd := &cobra.Command{
		Use:   "follow <project-id>",
		Short: "Stream activity from a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := phaselinesdk.New(serverURL)
			client.BearerToken = viper.GetString("token")
			client.ActorID = viper.GetString("actor-id")
			out := cmd.OutOrStdout()
			err := client.Follow(cmd.Context(), args[0], from, func(e phaselinesdk.Entry) error {
				if viper.GetBool("json") {
					b, _ := json.Marshal(e)
					_, err := fmt.Fprintln(out, string(b))
					return err
				}
				_, err := fmt.Fprintf(out, "%5d %s %-18s %s\n", e.Seq, e.TS, e.Kind, detail(domain.ActivityEntry{Kind: e.Kind, Payload: e.Payload}))
				return err
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "server URL")
	cmd.Flags().String("token", "", "bearer token (env PHASELINE_TOKEN)")
	cmd.Flags().Int64Var(&from, "from", 1, "first seq to stream")
	_ = viper.BindPFlag("token", cmd.Flags().Lookup("token"))
	return cmd
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{Use: "artifact", Short: "Inspect artifacts"}
	art.AddCommand(&cobra.Command{
		Use:   "list <project-id>",
		Short: "List the latest version of each artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListLatestArtifacts(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printArtifacts(cmd.OutOrStdout(), items)
			})
		},
	})
	var version int
	show := &cobra.Command{
		Use:   "show <project-id> <path>",
		Short: "Print an artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					art domain.Artifact
					err error
				)
				if version > 0 {
					art, err = a.Engine.Repo.ArtifactVersion(ctx, args[0], args[1], version)
				} else {
					art, err = a.Engine.Repo.LatestArtifact(ctx, args[0], args[1])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), art)
				}
				_, err = io.WriteString(cmd.OutOrStdout(), art.Content)
				return err
			})
		},
	}
	show.Flags().IntVar(&version, "version", 0, "version (latest when 0)")
	art.AddCommand(show)
	art.AddCommand(&cobra.Command{
		Use:   "versions <project-id> <path>",
		Short: "List every version of an artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ArtifactVersions(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printArtifacts(cmd.OutOrStdout(), items)
			})
		},
	})
	return art
}

func historyCmd(kind, short string) *cobra.Command {
	return &cobra.Command{
		Use:   kind + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Project(ctx, args[0]); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				r := a.Engine.Repo
				switch kind {
				case "runs":
					runs, err := r.ListPhaseRuns(ctx, args[0])
					if err != nil || viper.GetBool("json") {
						return jsonOrErr(out, runs, err)
					}
					tw := newTable(out, table.Row{"Phase", "Attempt", "Status", "Retryable", "Started", "Error"})
					for _, run := range runs {
						tw.AppendRow(table.Row{run.Phase, run.Attempt, run.Status, run.Retryable, run.StartedAt, stringOrEmpty(run.Error)})
					}
					tw.Render()
				case "gates":
					gates, err := r.ListGates(ctx, args[0])
					if err != nil || viper.GetBool("json") {
						return jsonOrErr(out, gates, err)
					}
					tw := newTable(out, table.Row{"Kind", "Phase", "Status", "Resolved By", "Opened", "Resolved"})
					for _, g := range gates {
						tw.AppendRow(table.Row{g.Kind, g.Phase, g.Status, stringOrEmpty(g.ResolvedBy), g.CreatedAt, stringOrEmpty(g.ResolvedAt)})
					}
					tw.Render()
				case "iterations":
					items, err := r.ListIterations(ctx, args[0])
					if err != nil || viper.GetBool("json") {
						return jsonOrErr(out, items, err)
					}
					tw := newTable(out, table.Row{"#", "Category", "Re-entry", "Status", "Feedback"})
					for _, it := range items {
						tw.AppendRow(table.Row{it.Number, it.Category, it.ReentryPhase, it.Status, it.Feedback})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func recoverCmd() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Close phase runs interrupted by a crash",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Engine.Recover(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, run := range runs {
					fmt.Fprintf(out, "recovered %s %s attempt %d\n", run.ProjectID, run.Phase, run.Attempt)
				}
				if !resume {
					return nil
				}
				ids, err := a.Engine.ResumeAll(ctx, viper.GetString("actor-id"))
				for _, id := range ids {
					fmt.Fprintf(out, "resumed %s\n", id)
					if werr := a.Engine.Wait(ctx, id); werr != nil {
						return werr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "resume running projects after recovery")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage phaseline.yml",
		Long:  "Config declares the pipeline: phases and their capabilities, gates, the quality loop, retry and timeout limits, iteration re-entry points and the workers bound to each capability.",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default phaseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate phaseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var resume bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), MirrorToNATS: true})
			if err != nil {
				return err
			}
			defer a.Close()
			log := a.Logger.Named("serve")
			if _, err := a.Engine.Recover(ctx); err != nil {
				return err
			}
			if resume || a.Config.Recovery.AutoResume {
				ids, err := a.Engine.ResumeAll(ctx, "system")
				if err != nil {
					return err
				}
				log.Info("resumed projects", zap.Strings("project_ids", ids))
			}
			if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
				addr = a.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
				basePath = a.Config.Server.BasePath
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				secret = a.Config.Server.JWTSecret
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
				Logger:   a.Logger.Named("http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving phaseline api",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Bool("auth", secret != ""))
			fmt.Fprintf(cmd.OutOrStdout(), "Serving Phaseline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume running projects at startup")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env PHASELINE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	logger, err := logging.New(config.Log{Level: viper.GetString("log-level"), Format: "console"})
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// follow issues a command that may start an execution, prints the activity it
// produces and returns once the execution ends. Interrupting stops the project.
func follow(ctx context.Context, out io.Writer, a *app.App, projectID string, command func() error) error {
	last, err := a.Engine.Log.LastSeq(ctx, projectID)
	if err != nil {
		return err
	}
	if err := command(); err != nil {
		return err
	}
	sub, err := a.Engine.Subscribe(context.WithoutCancel(ctx), projectID, last+1)
	if err != nil {
		return err
	}
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Engine.Wait(context.Background(), projectID)
	}()
	interrupted := ctx.Done()
	printed := last
	for {
		select {
		case <-interrupted:
			interrupted = nil
			if _, err := a.Engine.Stop(context.WithoutCancel(ctx), projectID, viper.GetString("actor-id")); err != nil {
				fmt.Fprintln(os.Stderr, "stop:", err)
			}
		case e, ok := <-sub.C:
			if !ok {
				return sub.Err()
			}
			printEntry(out, e)
			printed = e.Seq
		case <-done:
			final, err := a.Engine.Log.LastSeq(context.WithoutCancel(ctx), projectID)
			if err != nil {
				return err
			}
			for printed < final {
				e, ok := <-sub.C
				if !ok {
					return sub.Err()
				}
				printEntry(out, e)
				printed = e.Seq
			}
			p, err := a.Engine.Project(context.WithoutCancel(ctx), projectID)
			if err != nil {
				return err
			}
			return printProject(out, p)
		}
	}
}

func printEntry(out io.Writer, e domain.ActivityEntry) {
	if viper.GetBool("json") {
		b, _ := json.Marshal(e)
		fmt.Fprintln(out, string(b))
		return
	}
	fmt.Fprintf(out, "%5d %-18s %s\n", e.Seq, e.Kind, detail(e))
}

// detail renders the interesting payload fields of an entry on one line.
func detail(e domain.ActivityEntry) string {
	var parts []string
	for _, k := range []string{"phase", "attempt", "gate", "decision", "summary", "message", "error", "reason", "number", "category", "reentry_phase", "status", "code"} {
		if v, ok := e.Payload[k]; ok && v != nil && fmt.Sprint(v) != "" {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, " ")
}

func printProject(out io.Writer, p domain.Project) error {
	if viper.GetBool("json") {
		return printJSON(out, p)
	}
	tw := newTable(out, nil)
	tw.AppendRow(table.Row{"ID", p.ID})
	tw.AppendRow(table.Row{"Status", p.Status})
	tw.AppendRow(table.Row{"Phase", p.Phase()})
	tw.AppendRow(table.Row{"Iterations", fmt.Sprintf("%d/%d", p.IterationCount, p.MaxIterations)})
	if p.GateKind != nil {
		tw.AppendRow(table.Row{"Open gate", *p.GateKind})
	}
	tw.AppendRow(table.Row{"Description", p.Description})
	tw.Render()
	return nil
}

func printArtifacts(out io.Writer, items []domain.Artifact) error {
	if viper.GetBool("json") {
		return printJSON(out, items)
	}
	tw := newTable(out, table.Row{"Path", "Version", "Phase", "Bytes", "Created"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.Path, a.Version, a.Phase, len(a.Content), a.CreatedAt})
	}
	tw.Render()
	return nil
}

func newTable(out io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	if header != nil {
		tw.AppendHeader(header)
	}
	return tw
}

func jsonOrErr(out io.Writer, v any, err error) error {
	if err != nil {
		return err
	}
	return printJSON(out, v)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
