package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the gatekeeper KV store (SQLite).
var Migrations = migrate.NewGroup("gatekeeper")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_gatekeeper_kv",
			Version: "20250301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS gatekeeper_kv (
    kv_key      TEXT PRIMARY KEY,
    value       BLOB NOT NULL,
    expires_at  INTEGER NOT NULL DEFAULT 0,
    updated_at  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_gatekeeper_kv_expires ON gatekeeper_kv (expires_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS gatekeeper_kv`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_gatekeeper_locks",
			Version: "20250301000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS gatekeeper_locks (
    lock_key    TEXT PRIMARY KEY,
    token       TEXT NOT NULL,
    expires_at  INTEGER NOT NULL
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS gatekeeper_locks`)
				return err
			},
		},
	)
}
