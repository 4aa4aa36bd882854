package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relay/internal/domain"
	"relay/internal/engine"
	"relay/internal/repo"
)

func delegateCmd() *cobra.Command {
	delegate := &cobra.Command{
		Use:   "delegate",
		Short: "Manage delegation requests",
		Long:  "A delegation request hands one agent-capable work item to one session. Claims are atomic: of many sessions racing for a task exactly one wins.",
	}
	delegate.AddCommand(delegateCreateCmd())
	delegate.AddCommand(delegateListCmd())
	delegate.AddCommand(delegateClaimCmd())
	delegate.AddCommand(delegateTransitionCmd("approve", "Approve a pending request", engine.Engine.ApproveDelegation))
	delegate.AddCommand(delegateTransitionCmd("complete", "Complete a claimed request and free its session", engine.Engine.CompleteDelegation))
	delegate.AddCommand(delegateTransitionCmd("expire", "Expire an open request", engine.Engine.ExpireDelegation))
	delegate.AddCommand(delegateCancelCmd())
	delegate.AddCommand(delegateSweepCmd())
	return delegate
}

func delegateCreateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "create <work-item-id>",
		Short: "Request delegation of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				d, err := e.CreateDelegation(ctx, engine.DelegationCreateOptions{WorkItemID: args[0], Reason: reason, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the item is delegated")
	return cmd
}

func delegateListCmd() *cobra.Command {
	var f repo.DelegationFilters
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List delegation requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				f.ProjectID = projectID
				for _, st := range statuses {
					f.Statuses = append(f.Statuses, domain.DelegationStatus(st))
				}
				items, err := e.ListDelegations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Work Item", "Status", "Session", "Reason", "Created"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.WorkItemID, statusColor(string(d.Status)), deref(d.SessionID), d.Reason, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&f.WorkItemID, "work-item", "", "work item filter")
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session filter")
	return cmd
}

func delegateClaimCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "claim <work-item-id>",
		Short: "Claim a work item for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				res, err := e.AtomicClaim(ctx, args[0], sessionID, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Claimed {
					fmt.Printf("%s claimed %s (request %s)\n", sessionID, args[0], res.RequestID)
				} else {
					fmt.Printf("%s is already held by %s\n", args[0], res.HeldBy)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "claiming session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func delegateTransitionCmd(use, short string, apply func(engine.Engine, context.Context, string, string) (domain.DelegationRequest, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				d, err := apply(e, ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func delegateCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a request; a claimed one frees its session and task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				d, err := e.CancelDelegation(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func delegateSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire open requests older than delegation.request_ttl",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				expired, err := e.ExpireStale(ctx, projectID, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(expired)
				}
				fmt.Printf("expired %d requests\n", len(expired))
				return nil
			})
		},
	}
}
