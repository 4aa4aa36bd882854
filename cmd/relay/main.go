package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relay/internal/app"
	"relay/internal/db"
	"relay/internal/domain"
	"relay/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay agent orchestration CLI",
	Long: `Relay runs pools of short-lived agent sessions against a shared task board.
- Pool: one per project. It caps live sessions and keeps a few warm.
- Session: one worker with a context budget. Past the threshold it hands its work to a fresh successor.
- Task: a work item with blockers, subtasks, a version and an audit trail.
- Delegation: the claim that gives one task to exactly one session.
- Event log: every transition, view with 'relay log tail' or stream it from 'relay serve'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded on events")
	flags.String("project", "", "project id (defaults to the only project in the workspace)")
	for _, name := range []string{"workspace", "json", "actor-id", "project"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(poolCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(delegateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "relay: ", log.LstdFlags)
}

func actorID() string {
	return viper.GetString("actor-id")
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(ctx context.Context, e engine.Engine, projectID string) error) error {
	ws, err := app.OpenWorkspace(viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer ws.Close()
	projectID, err := app.ResolveProject(ctx, ws.Engine, viper.GetString("project"), actorID())
	if err != nil {
		return err
	}
	return fn(ctx, ws.Engine, projectID)
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

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func actionColor(a domain.ContextAction) string {
	switch a {
	case domain.ActionContinue:
		return color.GreenString(string(a))
	case domain.ActionPrepareHandoff:
		return color.YellowString(string(a))
	default:
		return color.RedString(string(a))
	}
}

func statusColor(status string) string {
	switch status {
	case "active", "idle", "completed", "claimed", "approved":
		return color.GreenString(status)
	case "starting", "pending", "in_progress", "paused", "draining":
		return color.YellowString(status)
	case "handoff_pending", "blocked":
		return color.MagentaString(status)
	case "error", "cancelled", "expired":
		return color.RedString(status)
	default:
		return status
	}
}

func percent(p float64) string {
	return fmt.Sprintf("%.2f%%", p)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
