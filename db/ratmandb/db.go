// Package ratmandb implements sqlite3 storage for the client and address
// registry. Registered clients, their addresses, bearer tokens, and
// sealed private key material live here; the caller commits before
// acknowledging the client API call that caused the write.
package ratmandb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/irdest/ratman/pkg/types"
)

// DB stores the client and address registry in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 path.
func Open(name string) (*DB, error) {
	// note: WAL makes concurrent registry reads during writes painless
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
			"_sync":         {"FULL"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// Client is one registered API client.
type Client struct {
	ID             types.Ident32
	LastConnection time.Time
}

// Addr is one registry row for a local address.
type Addr struct {
	Addr          types.Address
	ClientID      types.Ident32
	Name          string
	Auth          types.AddrAuth
	KeyMaterial   []byte
	Up            bool
	NamespaceData []byte
}

// UpsertClient records a client registration or reconnection.
func (db *DB) UpsertClient(ctx context.Context, c Client) error {
	_, err := db.x.ExecContext(ctx, `
		INSERT INTO clients (client_id, last_connection) VALUES (?, ?)
		ON CONFLICT (client_id) DO UPDATE SET last_connection = excluded.last_connection
	`, c.ID.String(), c.LastConnection.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

// GetClient looks up a client registration.
func (db *DB) GetClient(ctx context.Context, id types.Ident32) (Client, bool, error) {
	var row struct {
		LastConnection string `db:"last_connection"`
	}
	if err := db.x.GetContext(ctx, &row, `SELECT last_connection FROM clients WHERE client_id = ?`, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Client{}, false, nil
		}
		return Client{}, false, err
	}
	t, err := time.Parse(time.RFC3339, row.LastConnection)
	if err != nil {
		return Client{}, false, fmt.Errorf("invalid last_connection: %w", err)
	}
	return Client{ID: id, LastConnection: t}, true, nil
}

// CreateAddr inserts a fresh address row.
func (db *DB) CreateAddr(ctx context.Context, a Addr) error {
	_, err := db.x.NamedExecContext(ctx, `
		INSERT INTO
		addrs  ( addr,  client_id,  name,  auth,  key_material,  up,  namespace_data)
		VALUES (:addr, :client_id, :name, :auth, :key_material, :up, :namespace_data)
	`, map[string]any{
		"addr":           a.Addr.String(),
		"client_id":      a.ClientID.String(),
		"name":           a.Name,
		"auth":           a.Auth[:],
		"key_material":   a.KeyMaterial,
		"up":             boolInt(a.Up),
		"namespace_data": a.NamespaceData,
	})
	if err != nil {
		return fmt.Errorf("create addr: %w", err)
	}
	return nil
}

// GetAddr looks up one address row.
func (db *DB) GetAddr(ctx context.Context, addr types.Address) (Addr, bool, error) {
	var row struct {
		ClientID      string `db:"client_id"`
		Name          string `db:"name"`
		Auth          []byte `db:"auth"`
		KeyMaterial   []byte `db:"key_material"`
		Up            int    `db:"up"`
		NamespaceData []byte `db:"namespace_data"`
	}
	err := db.x.GetContext(ctx, &row, `
		SELECT client_id, name, auth, key_material, up, namespace_data
		FROM addrs WHERE addr = ?
	`, addr.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Addr{}, false, nil
		}
		return Addr{}, false, err
	}
	clientID, err := types.ParseIdent32(row.ClientID)
	if err != nil {
		return Addr{}, false, fmt.Errorf("invalid client id: %w", err)
	}
	if len(row.Auth) != 32 {
		return Addr{}, false, fmt.Errorf("invalid auth token length %d", len(row.Auth))
	}
	a := Addr{
		Addr:          addr,
		ClientID:      clientID,
		Name:          row.Name,
		KeyMaterial:   row.KeyMaterial,
		Up:            row.Up != 0,
		NamespaceData: row.NamespaceData,
	}
	copy(a.Auth[:], row.Auth)
	return a, true, nil
}

// SetAddrUp toggles the announcement state of an address.
func (db *DB) SetAddrUp(ctx context.Context, addr types.Address, up bool) error {
	res, err := db.x.ExecContext(ctx, `UPDATE addrs SET up = ? WHERE addr = ?`, boolInt(up), addr.String())
	if err != nil {
		return fmt.Errorf("set addr up: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return types.ErrNoSuchAddress
	}
	return nil
}

// DeleteAddr wipes an address row.
func (db *DB) DeleteAddr(ctx context.Context, addr types.Address) error {
	if _, err := db.x.ExecContext(ctx, `DELETE FROM addrs WHERE addr = ?`, addr.String()); err != nil {
		return fmt.Errorf("delete addr: %w", err)
	}
	return nil
}

// ListAddrs enumerates the addresses registered by one client.
func (db *DB) ListAddrs(ctx context.Context, clientID types.Ident32) ([]Addr, error) {
	var rows []struct {
		Addr string `db:"addr"`
		Name string `db:"name"`
		Up   int    `db:"up"`
	}
	err := db.x.SelectContext(ctx, &rows, `
		SELECT addr, name, up FROM addrs WHERE client_id = ? ORDER BY addr
	`, clientID.String())
	if err != nil {
		return nil, err
	}
	out := make([]Addr, 0, len(rows))
	for _, row := range rows {
		addr, err := types.ParseIdent32(row.Addr)
		if err != nil {
			return nil, fmt.Errorf("invalid addr in registry: %w", err)
		}
		out = append(out, Addr{Addr: addr, ClientID: clientID, Name: row.Name, Up: row.Up != 0})
	}
	return out, nil
}

// ListUpAddrs enumerates every address currently marked up, across all
// clients. Used to restart announcers after a daemon restart.
func (db *DB) ListUpAddrs(ctx context.Context) ([]types.Address, error) {
	var rows []string
	if err := db.x.SelectContext(ctx, &rows, `SELECT addr FROM addrs WHERE up = 1 ORDER BY addr`); err != nil {
		return nil, err
	}
	out := make([]types.Address, 0, len(rows))
	for _, s := range rows {
		addr, err := types.ParseIdent32(s)
		if err != nil {
			return nil, fmt.Errorf("invalid addr in registry: %w", err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
