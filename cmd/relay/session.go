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

func sessionCmd() *cobra.Command {
	session := &cobra.Command{
		Use:   "session",
		Short: "Manage agent sessions",
		Long:  "Sessions move starting -> active <-> idle -> handoff_pending -> retired. Usage reports past the threshold require a handoff to a fresh successor.",
	}
	session.AddCommand(sessionSpawnCmd())
	session.AddCommand(sessionListCmd())
	session.AddCommand(sessionShowCmd())
	session.AddCommand(sessionHeartbeatCmd())
	session.AddCommand(sessionReportCmd())
	session.AddCommand(sessionCompleteCmd())
	session.AddCommand(sessionRetireCmd())
	session.AddCommand(sessionErrorCmd())
	session.AddCommand(sessionHandoffCmd())
	session.AddCommand(sessionChainCmd())
	return session
}

func sessionSpawnCmd() *cobra.Command {
	var maxTokens int64
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Admit a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				s, err := e.SpawnSession(ctx, engine.SessionSpawnOptions{ProjectID: projectID, ContextMaxTokens: maxTokens, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().Int64Var(&maxTokens, "context-max-tokens", 0, "context window size (defaults to config)")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				var filter []domain.SessionStatus
				for _, st := range statuses {
					filter = append(filter, domain.SessionStatus(st))
				}
				items, err := e.ListSessions(ctx, projectID, filter...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Status", "Context", "Task", "Done", "Accepts Task"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, statusColor(string(s.Status)), percent(s.ContextPercent), deref(s.CurrentTaskID), s.TasksCompleted, s.CanAcceptTask})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&statuses, "status", nil, "status filter (repeatable)")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				s, err := e.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionHeartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <id>",
		Short: "Record liveness; a starting session becomes active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				s, err := e.Heartbeat(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionReportCmd() *cobra.Command {
	var used, max int64
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Report context usage and print the required action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				rep, err := e.ReportContext(ctx, engine.ContextReportOptions{SessionID: args[0], UsedTokens: used, MaxTokens: max, ActorID: actorID()})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("Session %s at %s of %d%%: %s (%s)\n", rep.Session.ID, percent(rep.Session.ContextPercent),
					rep.Session.ContextThresholdPercent, actionColor(rep.Action), statusColor(string(rep.Session.Status)))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&used, "used", 0, "tokens used")
	cmd.Flags().Int64Var(&max, "max", 0, "context window size (0 keeps the current one)")
	_ = cmd.MarkFlagRequired("used")
	return cmd
}

func sessionCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Finish the session's current task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				s, err := e.CompleteSessionTask(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionRetireCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "retire <id>",
		Short: "Retire session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				s, err := e.RetireSession(ctx, args[0], summary, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "retirement summary")
	return cmd
}

func sessionErrorCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "error <id>",
		Short: "Mark session failed and release its claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				s, err := e.MarkSessionError(ctx, args[0], message, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "error message")
	return cmd
}

func sessionHandoffCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "handoff <id>",
		Short: "Replace session with a successor that inherits its claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				res, err := e.Handoff(ctx, engine.HandoffOptions{SessionID: args[0], Summary: summary, ActorID: actorID()})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Session %s -> %s", res.Predecessor.ID, res.Successor.ID)
				if res.WorkItemID != "" {
					fmt.Printf(" (task %s)", res.WorkItemID)
				}
				fmt.Println()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "handoff summary for the successor")
	return cmd
}

func sessionChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain <id>",
		Short: "Show the handoff chain, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				chain, err := e.HandoffChain(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(chain)
				}
				printSessions(chain)
				return nil
			})
		},
	}
}
