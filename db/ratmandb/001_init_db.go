package ratmandb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE clients (
			client_id       TEXT PRIMARY KEY NOT NULL,
			last_connection TEXT NOT NULL
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create clients table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE addrs (
			addr           TEXT PRIMARY KEY NOT NULL,
			client_id      TEXT NOT NULL,
			name           TEXT NOT NULL,
			auth           BLOB NOT NULL,
			key_material   BLOB NOT NULL,
			up             INTEGER NOT NULL DEFAULT 0,
			namespace_data BLOB
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create addrs table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX addrs_client_idx ON addrs(client_id, addr)`); err != nil {
		return fmt.Errorf("create addrs index: %w", err)
	}
	return nil
}
