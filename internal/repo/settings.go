package repo

import (
	"context"
	"database/sql"
)

const offlineKey = "offline_mode"

// OfflineMode reads the process-wide offline flag. Missing row falls back
// to the supplied default.
func (r Repo) OfflineMode(ctx context.Context, fallback bool) (bool, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, offlineKey).Scan(&v)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	return v == "true", nil
}

// SetOfflineMode toggles the offline flag. In-flight validations keep the
// value they read at the start of the request.
func (r Repo) SetOfflineMode(ctx context.Context, enabled bool) error {
	v := "false"
	if enabled {
		v = "true"
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO settings(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		offlineKey, v)
	return err
}
