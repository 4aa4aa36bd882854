package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relay/internal/domain"
	"relay/internal/engine"
	"relay/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage work items",
		Long:  "Work items flow pending -> in_progress -> completed and wait in blocked while a blocker is open. Every save bumps the version and the audit trail only grows.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskBlockCmd())
	task.AddCommand(taskUnblockCmd())
	task.AddCommand(taskAuditCmd())
	task.AddCommand(taskTreeCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.WorkItemCreateOptions
	var class, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			opts.DependencyClass = domain.DependencyClass(class)
			opts.Priority = domain.Priority(priority)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				w, err := e.CreateWorkItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "work item id (generated if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent work item id")
	cmd.Flags().StringVar(&class, "class", string(domain.AgentCapable), "dependency class (AGENT_CAPABLE or HUMAN_REQUIRED)")
	cmd.Flags().StringVar(&priority, "priority", string(domain.PriorityNormal), "priority (low, normal, high, urgent)")
	cmd.Flags().StringArrayVar(&opts.BlockedBy, "blocked-by", nil, "blocking work item id (repeatable)")
	cmd.Flags().StringVar(&opts.ClientID, "client-id", "", "owning client tool id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.WorkItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				f.ProjectID = projectID
				items, err := e.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "Status", "Class", "Priority", "Progress", "Blocked By", "Version"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Title, statusColor(string(w.Status)), w.DependencyClass, w.Priority,
						fmt.Sprintf("%d%%", w.ProgressPercentage), strings.Join(w.BlockedBy, ","), w.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent filter")
	cmd.Flags().StringVar(&f.DependencyClass, "class", "", "dependency class filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max items")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show work item with progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				w, err := e.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var opts engine.WorkItemUpdateOptions
	var title, description, priority, class, status, parent, clientID string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = actorID()
			opts.Status = domain.WorkItemStatus(status)
			changed := cmd.Flags().Changed
			if changed("title") {
				opts.Title = &title
			}
			if changed("description") {
				opts.Description = &description
			}
			if changed("priority") {
				p := domain.Priority(priority)
				opts.Priority = &p
			}
			if changed("class") {
				c := domain.DependencyClass(class)
				opts.DependencyClass = &c
			}
			if changed("set-parent") {
				opts.SetParent = &parent
			}
			if changed("client-id") {
				opts.ClientID = &clientID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				w, err := e.UpdateWorkItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.ExpectedVersion, "version", 0, "expected version (0 skips the check)")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&priority, "priority", "", "new priority")
	cmd.Flags().StringVar(&class, "class", "", "new dependency class")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&parent, "set-parent", "", "set parent id (empty for none)")
	cmd.Flags().StringVar(&clientID, "client-id", "", "set client id (empty clears)")
	cmd.Flags().StringArrayVar(&opts.AddBlockers, "add-blocked-by", nil, "add blocker")
	cmd.Flags().StringArrayVar(&opts.RemoveBlockers, "remove-blocked-by", nil, "remove blocker")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete an in-progress work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				w, err := e.CompleteWorkItem(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func taskBlockCmd() *cobra.Command {
	var blockers []string
	cmd := &cobra.Command{
		Use:   "block <id>",
		Short: "Add blockers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				w, err := e.BlockWorkItem(ctx, args[0], blockers, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringArrayVar(&blockers, "by", nil, "blocking work item id (repeatable)")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func taskUnblockCmd() *cobra.Command {
	var blockers []string
	cmd := &cobra.Command{
		Use:   "unblock <id>",
		Short: "Remove blockers (all when --by is omitted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				w, err := e.UnblockWorkItem(ctx, args[0], blockers, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringArrayVar(&blockers, "by", nil, "blocker to remove (repeatable)")
	return cmd
}

func taskAuditCmd() *cobra.Command {
	var note, agent string
	cmd := &cobra.Command{
		Use:   "audit <id>",
		Short: "Append to or print the audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				if note != "" {
					if agent == "" {
						agent = actorID()
					}
					version, err := e.AppendAuditEntry(ctx, args[0], note, agent)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"work_item_id": args[0], "version": version})
				}
				entries, err := e.ListAuditEntries(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable(table.Row{"#", "Time", "Agent", "Note"})
				for _, a := range entries {
					tw.AppendRow(table.Row{a.ID, a.TS, deref(a.AgentID), a.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note to append")
	cmd.Flags().StringVar(&agent, "agent-id", "", "agent recorded on the entry (defaults to --actor-id)")
	return cmd
}

func taskTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show work items nested under their parents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				nodes, err := e.WorkItemTree(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nodes)
				}
				for i, n := range nodes {
					printTaskTree(n, "", i == len(nodes)-1)
				}
				return nil
			})
		},
	}
}

func printTaskTree(n engine.WorkItemNode, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s] %d%%\n", prefix, connector, n.Title, statusColor(string(n.Status)), n.ProgressPercentage)
	for i, c := range n.Children {
		printTaskTree(c, newPrefix, i == len(n.Children)-1)
	}
}
