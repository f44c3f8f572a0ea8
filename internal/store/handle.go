// Package store provides the SQLite-backed local cache shared by every
// repository of the assistant: drug reference data, conversation history and
// cash-register closures. The database lives entirely in memory; every
// mutation ends with a full re-serialization of the image to the backing
// file, so "save returned" means "durable on disk".
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrClosed is returned when a handle is used after Close.
var ErrClosed = errors.New("store: database handle is closed")

// Handle owns the single in-memory SQLite instance and the file it is
// backed by. All repositories share one Handle obtained through a Manager;
// none of them may open their own.
type Handle struct {
	mu      sync.Mutex
	path    string
	db      *sql.DB
	schemas map[string]bool
}

// Open creates the handle. If the backing file exists its full image is
// restored into the in-memory database; otherwise an empty image is written
// immediately so the file exists from the first run. On any failure nothing
// is retained: the caller gets an error and no half-usable handle.
func Open(ctx context.Context, path string) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A pool of in-memory connections would be a pool of unrelated empty
	// databases. Pin everything to one connection.
	db.SetMaxOpenConns(1)

	h := &Handle{
		path:    path,
		db:      db,
		schemas: make(map[string]bool),
	}

	switch _, statErr := os.Stat(path); {
	case statErr == nil:
		if err := h.restore(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("restore %s: %w", path, err)
		}
	case errors.Is(statErr, os.ErrNotExist):
		if err := h.Save(); err != nil {
			db.Close()
			return nil, err
		}
	default:
		db.Close()
		return nil, fmt.Errorf("stat %s: %w", path, statErr)
	}

	return h, nil
}

// restore copies every table and index of the backing file into the
// in-memory database. A corrupt or unreadable file fails the whole open.
func (h *Handle) restore(ctx context.Context) error {
	conn, err := h.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS disk`, h.path); err != nil {
		return fmt.Errorf("attach backing file: %w", err)
	}
	defer conn.ExecContext(ctx, `DETACH DATABASE disk`)

	// Tables first, then indexes, in creation order so parent tables are
	// populated before their children.
	rows, err := conn.QueryContext(ctx, `
		SELECT name, type, sql FROM disk.sqlite_master
		WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite_%'
		ORDER BY CASE type WHEN 'table' THEN 0 ELSE 1 END, rowid
	`)
	if err != nil {
		return fmt.Errorf("read backing image: %w", err)
	}

	type object struct {
		name, kind, ddl string
	}
	var objects []object
	for rows.Next() {
		var o object
		if err := rows.Scan(&o.name, &o.kind, &o.ddl); err != nil {
			rows.Close()
			return fmt.Errorf("scan backing image: %w", err)
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("read backing image: %w", err)
	}
	rows.Close()

	for _, o := range objects {
		if _, err := conn.ExecContext(ctx, o.ddl); err != nil {
			return fmt.Errorf("recreate %s %q: %w", o.kind, o.name, err)
		}
	}
	for _, o := range objects {
		if o.kind != "table" {
			continue
		}
		stmt := fmt.Sprintf(`INSERT INTO main.%s SELECT * FROM disk.%s`,
			quoteIdent(o.name), quoteIdent(o.name))
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("copy table %q: %w", o.name, err)
		}
	}

	return nil
}

// Save serializes the entire in-memory image and replaces the backing file
// in one atomic rename. Cost scales with total database size, not with the
// last mutation. Safe to call redundantly.
func (h *Handle) Save() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.saveLocked()
}

func (h *Handle) saveLocked() error {
	if h.db == nil {
		return ErrClosed
	}
	// VACUUM INTO refuses to overwrite, so serialize to a fresh temp file
	// and rename over the backing file.
	tmp := fmt.Sprintf("%s.%d.tmp", h.path, time.Now().UnixNano())
	if _, err := h.db.Exec(`VACUUM INTO ?`, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("serialize database image: %w", err)
	}
	if err := os.Rename(tmp, h.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace backing file: %w", err)
	}
	return nil
}

// EnsureSchema runs the idempotent DDL for a named schema once per handle
// lifetime and persists the result. Later calls for the same name are
// no-ops, regardless of how many repository instances share the handle.
func (h *Handle) EnsureSchema(ctx context.Context, name, ddl string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return ErrClosed
	}
	if h.schemas[name] {
		return nil
	}
	if _, err := h.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s schema: %w", name, err)
	}
	if err := h.saveLocked(); err != nil {
		return err
	}
	h.schemas[name] = true
	return nil
}

// Close saves the final image and releases the engine. The handle cannot be
// reused afterwards; a Manager reset is required to open a new one.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}
	saveErr := h.saveLocked()
	closeErr := h.db.Close()
	h.db = nil
	if saveErr != nil {
		return saveErr
	}
	return closeErr
}

// Path returns the backing file location.
func (h *Handle) Path() string {
	return h.path
}

// ExecContext passes through to the engine. No implicit retries, no
// implicit transactions.
func (h *Handle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if h.db == nil {
		return nil, ErrClosed
	}
	return h.db.ExecContext(ctx, query, args...)
}

// QueryContext passes through to the engine.
func (h *Handle) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if h.db == nil {
		return nil, ErrClosed
	}
	return h.db.QueryContext(ctx, query, args...)
}

// Row defers a closed-handle error to Scan, where single-row callers
// already look for one.
type Row struct {
	row *sql.Row
	err error
}

// Scan copies the matched row into dest, or reports why there is none.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

// QueryRowContext passes through to the engine. On a closed handle the
// returned row yields ErrClosed from Scan.
func (h *Handle) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	if h.db == nil {
		return &Row{err: ErrClosed}
	}
	return &Row{row: h.db.QueryRowContext(ctx, query, args...)}
}

// BeginTx starts an explicit transaction on the shared connection.
func (h *Handle) BeginTx(ctx context.Context) (*sql.Tx, error) {
	if h.db == nil {
		return nil, ErrClosed
	}
	return h.db.BeginTx(ctx, nil)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
