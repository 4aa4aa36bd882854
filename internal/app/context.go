package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"relay/internal/config"
	"relay/internal/db"
	"relay/internal/engine"
	"relay/internal/migrate"
)

// Workspace bundles what a command needs to act on a relay workspace.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// OpenWorkspace loads relay.yml when present (defaults otherwise), opens the
// database and applies pending migrations.
func OpenWorkspace(dir string, logger *log.Logger) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: e}, nil
}

// ResolveProject picks the active project. It prefers the override, then the
// only project in the workspace. The project and its pool are created on
// first use.
func ResolveProject(ctx context.Context, e engine.Engine, projectOverride, actorID string) (string, error) {
	projectID := projectOverride
	if projectID == "" {
		projects, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return "", err
		}
		switch len(projects) {
		case 1:
			projectID = projects[0].ID
		case 0:
			return "", fmt.Errorf("project not specified; use --project")
		default:
			return "", fmt.Errorf("workspace has %d projects; use --project", len(projects))
		}
	}
	if _, err := e.EnsurePool(ctx, projectID, actorID); err != nil {
		return "", fmt.Errorf("ensure pool for %s: %w", projectID, err)
	}
	return projectID, nil
}
