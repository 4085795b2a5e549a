// Package app wires a workspace into a ready engine: database opened,
// migrations applied, config loaded. Shared by the CLI commands and the
// serve entrypoint.
package app

import (
	"database/sql"
	"fmt"
	"os"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/engine"
	"gateline/internal/migrate"
)

// Open prepares the workspace and returns a live engine. The caller owns
// the connection and must close it.
func Open(workspace string) (*sql.DB, engine.Engine, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, engine.Engine{}, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, engine.Engine{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, engine.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, engine.Engine{}, err
	}
	if cfg.Gate.SigningSecret == "" {
		cfg.Gate.SigningSecret = os.Getenv("GATELINE_SIGNING_SECRET")
	}
	return conn, engine.New(conn, cfg), nil
}
