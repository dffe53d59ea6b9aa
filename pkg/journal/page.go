package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
)

// ErrNoSuchKey is returned by Page.Get for unknown keys.
var ErrNoSuchKey = errors.New("journal: no such key")

// Page is one persistent KV partition. Each page stores a single value
// encoding; serialisation inside the page is the mutation boundary.
type Page struct {
	name string
	x    *sqlx.DB
}

// openPage opens (creating if needed) the partition directory and its
// backing database.
func openPage(dir, name string) (*Page, error) {
	pdir := filepath.Join(dir, name)
	if err := os.MkdirAll(pdir, 0o700); err != nil {
		return nil, fmt.Errorf("create partition dir: %w", err)
	}
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: filepath.Join(pdir, name+".db"),
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	if _, err := x.Exec(`CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY NOT NULL, v BLOB NOT NULL) STRICT`); err != nil {
		x.Close()
		return nil, fmt.Errorf("init partition %s: %w", name, err)
	}
	return &Page{name: name, x: x}, nil
}

func (p *Page) Close() error {
	return p.x.Close()
}

// Put writes one key. Single-key writes are atomic.
func (p *Page) Put(ctx context.Context, key string, value []byte) error {
	if _, err := p.x.ExecContext(ctx, `
		INSERT INTO kv (k, v) VALUES (?, ?)
		ON CONFLICT (k) DO UPDATE SET v = excluded.v
	`, key, value); err != nil {
		return fmt.Errorf("journal %s: put %q: %w", p.name, key, err)
	}
	return nil
}

// Get reads one key.
func (p *Page) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	if err := p.x.GetContext(ctx, &v, `SELECT v FROM kv WHERE k = ?`, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("journal %s: %q: %w", p.name, key, ErrNoSuchKey)
		}
		return nil, fmt.Errorf("journal %s: get %q: %w", p.name, key, err)
	}
	return v, nil
}

// Has reports whether key exists without fetching the value.
func (p *Page) Has(ctx context.Context, key string) (bool, error) {
	var one int
	if err := p.x.GetContext(ctx, &one, `SELECT 1 FROM kv WHERE k = ?`, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("journal %s: has %q: %w", p.name, key, err)
	}
	return true, nil
}

// Delete removes one key. Deleting an absent key is not an error.
func (p *Page) Delete(ctx context.Context, key string) error {
	if _, err := p.x.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key); err != nil {
		return fmt.Errorf("journal %s: delete %q: %w", p.name, key, err)
	}
	return nil
}

// DeletePrefix removes every key beginning with prefix and returns how
// many rows were dropped.
func (p *Page) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	res, err := p.x.ExecContext(ctx, `DELETE FROM kv WHERE k >= ? AND k < ?`, prefix, prefixEnd(prefix))
	if err != nil {
		return 0, fmt.Errorf("journal %s: delete prefix %q: %w", p.name, prefix, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Each iterates all entries in key order. Returning false stops early.
func (p *Page) Each(ctx context.Context, fn func(key string, value []byte) bool) error {
	return p.each(ctx, `SELECT k, v FROM kv ORDER BY k`, nil, fn)
}

// EachPrefix iterates entries whose key starts with prefix, in key
// order.
func (p *Page) EachPrefix(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error {
	return p.each(ctx, `SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k`, []any{prefix, prefixEnd(prefix)}, fn)
}

func (p *Page) each(ctx context.Context, query string, args []any, fn func(key string, value []byte) bool) error {
	rows, err := p.x.QueryxContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("journal %s: scan: %w", p.name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("journal %s: scan: %w", p.name, err)
		}
		if !fn(k, v) {
			return nil
		}
	}
	return rows.Err()
}

// Len counts the stored entries.
func (p *Page) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := p.x.GetContext(ctx, &n, `SELECT COUNT(*) FROM kv`); err != nil {
		return 0, fmt.Errorf("journal %s: count: %w", p.name, err)
	}
	return n, nil
}

// prefixEnd returns the smallest string greater than every string with
// the given prefix.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return string(b) + "\xff"
}
