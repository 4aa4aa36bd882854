package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relay/internal/domain"
	"relay/internal/engine"
)

func poolCmd() *cobra.Command {
	pool := &cobra.Command{
		Use:   "pool",
		Short: "Manage the project's session pool",
		Long:  "The pool admits sessions while active and below max size, keeps warm sessions ready, and can be paused, drained or torn down.",
	}
	pool.AddCommand(poolShowCmd())
	pool.AddCommand(poolConfigureCmd())
	pool.AddCommand(poolStatusCmd("pause", "Stop admitting sessions", engine.Engine.PausePool))
	pool.AddCommand(poolStatusCmd("resume", "Resume admitting sessions", engine.Engine.ResumePool))
	pool.AddCommand(poolStatusCmd("drain", "Stop admission ahead of teardown", engine.Engine.DrainPool))
	pool.AddCommand(poolWarmupCmd())
	pool.AddCommand(poolTeardownCmd())
	return pool
}

func poolShowCmd() *cobra.Command {
	var buffer float64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show pool settings, live counts and admission state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				view, err := e.PoolCapacity(ctx, projectID)
				if err != nil {
					return err
				}
				avail, ok, err := e.FindAvailableSession(ctx, projectID, buffer)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]any{"pool": view}
					if ok {
						out["available_session"] = avail
					}
					return printJSON(out)
				}
				fmt.Printf("Pool %s for %s: %s\n", view.ID, view.ProjectID, statusColor(string(view.Status)))
				fmt.Printf("Live %d/%d (starting %d, active %d, idle %d, handoff_pending %d), warm size %d, threshold %d%%\n",
					view.LiveSessions, view.MaxPoolSize, view.Counts.Starting, view.Counts.Active, view.Counts.Idle,
					view.Counts.HandoffPending, view.WarmPoolSize, view.ContextThresholdPercent)
				fmt.Printf("Can spawn: %t  Needs warmup: %t  Auto-delegate: %t  Skip user approval: %t\n",
					view.CanSpawnNewSession, view.NeedsWarmup, view.AutoDelegateEnabled, view.SkipUserRequired)
				if ok {
					fmt.Printf("Next available session: %s at %s\n", avail.ID, percent(avail.ContextPercent))
				} else {
					fmt.Println("Next available session: none")
				}
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&buffer, "buffer", domain.HandoffBufferPercent, "percent kept free below the threshold when picking a session")
	return cmd
}

func poolConfigureCmd() *cobra.Command {
	var warm, max, threshold int
	var autoDelegate, skipUser bool
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Change pool settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts := engine.PoolConfigureOptions{ProjectID: projectID, ActorID: actorID()}
				if cmd.Flags().Changed("warm") {
					opts.WarmPoolSize = &warm
				}
				if cmd.Flags().Changed("max") {
					opts.MaxPoolSize = &max
				}
				if cmd.Flags().Changed("threshold") {
					opts.ContextThresholdPercent = &threshold
				}
				if cmd.Flags().Changed("auto-delegate") {
					opts.AutoDelegateEnabled = &autoDelegate
				}
				if cmd.Flags().Changed("skip-user-required") {
					opts.SkipUserRequired = &skipUser
				}
				p, err := e.ConfigurePool(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().IntVar(&warm, "warm", 0, "warm pool size")
	cmd.Flags().IntVar(&max, "max", 0, "max pool size")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "context threshold percent")
	cmd.Flags().BoolVar(&autoDelegate, "auto-delegate", false, "create delegation requests for new agent-capable tasks")
	cmd.Flags().BoolVar(&skipUser, "skip-user-required", false, "create delegation requests already approved")
	return cmd
}

func poolStatusCmd(use, short string, apply func(engine.Engine, context.Context, string, string) (domain.Pool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := apply(e, ctx, projectID, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Pool %s is %s\n", p.ID, statusColor(string(p.Status)))
				return nil
			})
		},
	}
}

func poolWarmupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warmup",
		Short: "Spawn sessions up to the warm size",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				spawned, err := e.Warmup(ctx, projectID, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(spawned)
				}
				printSessions(spawned)
				return nil
			})
		},
	}
}

func poolTeardownCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "teardown",
		Short: "Drain the pool, retire every session and cancel open delegations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.TeardownPool(ctx, projectID, summary, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Pool %s is %s: retired %d sessions, cancelled %d delegations\n",
					res.Pool.ID, statusColor(string(res.Pool.Status)), len(res.Retired), len(res.Cancelled))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "summary recorded on retired sessions")
	return cmd
}

func printSessions(sessions []domain.Session) {
	tw := newTable(table.Row{"ID", "Status", "Context", "Task", "Done", "Handoff From"})
	for _, s := range sessions {
		tw.AppendRow(table.Row{s.ID, statusColor(string(s.Status)), percent(s.ContextPercent), deref(s.CurrentTaskID), s.TasksCompleted, deref(s.HandoffFrom)})
	}
	tw.Render()
}
