// Package store persists server records and deployment units in
// Postgres and adapts them to the model interfaces the rest of the
// control plane consumes.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	pool *pgxpool.Pool
}

func Connect(databaseURL string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

func Migrate(db *DB) error {
	ctx := context.Background()
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS servers (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			host           TEXT NOT NULL,
			port           INTEGER NOT NULL DEFAULT 22,
			username       TEXT NOT NULL,
			password       TEXT NOT NULL DEFAULT '',
			private_key    TEXT NOT NULL DEFAULT '',
			role           TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'OFFLINE',
			cluster_status TEXT NOT NULL DEFAULT 'UNAVAILABLE',
			sudo_nopasswd  BOOLEAN NOT NULL DEFAULT FALSE,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_servers_role ON servers(role);
		CREATE INDEX IF NOT EXISTS idx_servers_cluster_status ON servers(cluster_status);

		CREATE TABLE IF NOT EXISTS deployment_units (
			id                  TEXT PRIMARY KEY,
			short_id            TEXT NOT NULL UNIQUE,
			owner_id            TEXT NOT NULL,
			project_id          TEXT NOT NULL,
			component           TEXT NOT NULL,
			framework           TEXT NOT NULL,
			method              TEXT NOT NULL,
			image               TEXT NOT NULL DEFAULT '',
			domain              TEXT NOT NULL DEFAULT '',
			namespace           TEXT NOT NULL,
			status              TEXT NOT NULL DEFAULT 'BUILDING',
			source_archive_path TEXT NOT NULL DEFAULT '',
			manifest_path       TEXT NOT NULL DEFAULT '',
			error               TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_units_owner ON deployment_units(owner_id, created_at DESC);
	`)
	return err
}
