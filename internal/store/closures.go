package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const closureSchema = `
CREATE TABLE IF NOT EXISTS cash_closures (
    id TEXT PRIMARY KEY,
    date TEXT NOT NULL UNIQUE,
    drawer_counts TEXT,
    coin_total REAL DEFAULT 0,
    withdrawn_notes TEXT,
    previous_float REAL DEFAULT 0,
    target_float REAL DEFAULT 0,
    results TEXT,
    notes TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_closures_date ON cash_closures(date DESC);
`

// ClosureRepository stores one cash-register closure per calendar date.
type ClosureRepository struct {
	manager *Manager
	log     *slog.Logger
}

// NewClosureRepository binds the repository to the shared handle manager.
func NewClosureRepository(m *Manager, log *slog.Logger) *ClosureRepository {
	if log == nil {
		log = slog.Default()
	}
	return &ClosureRepository{manager: m, log: log}
}

func (r *ClosureRepository) ensure(ctx context.Context) (*Handle, bool) {
	h, err := r.manager.Get(ctx)
	if err != nil {
		r.log.Warn("closures: local storage unavailable", "error", err)
		return nil, false
	}
	if err := h.EnsureSchema(ctx, "closures", closureSchema); err != nil {
		r.log.Warn("closures: schema init failed", "error", err)
		return nil, false
	}
	return h, true
}

// Save upserts the closure for its date. A second save for an existing
// date updates that row in place, keeping the original id and creation
// timestamp; otherwise a fresh row is inserted.
func (r *ClosureRepository) Save(ctx context.Context, c CashClosure) *CashClosure {
	if c.Date == "" {
		r.log.Warn("closures: save without date")
		return nil
	}
	h, ok := r.ensure(ctx)
	if !ok {
		return nil
	}

	drawer, err := json.Marshal(c.DrawerCounts)
	if err != nil {
		r.log.Warn("closures: encode drawer counts failed", "date", c.Date, "error", err)
		return nil
	}
	withdrawn, err := json.Marshal(c.WithdrawnNotes)
	if err != nil {
		r.log.Warn("closures: encode withdrawals failed", "date", c.Date, "error", err)
		return nil
	}
	results, err := json.Marshal(c.Results)
	if err != nil {
		r.log.Warn("closures: encode results failed", "date", c.Date, "error", err)
		return nil
	}

	var existingID string
	var existingCreatedAt int64
	err = h.QueryRowContext(ctx,
		`SELECT id, created_at FROM cash_closures WHERE date = ?`, c.Date,
	).Scan(&existingID, &existingCreatedAt)

	switch {
	case err == sql.ErrNoRows:
		c.ID = uuid.NewString()
		c.CreatedAt = time.Now().Unix()
		_, err = h.ExecContext(ctx, `
			INSERT INTO cash_closures (id, date, drawer_counts, coin_total, withdrawn_notes,
				previous_float, target_float, results, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.Date, string(drawer), c.CoinTotal, string(withdrawn),
			c.PreviousFloat, c.TargetFloat, string(results), c.Notes, c.CreatedAt)
		if err != nil {
			r.log.Warn("closures: insert failed", "date", c.Date, "error", err)
			return nil
		}

	case err != nil:
		r.log.Warn("closures: lookup by date failed", "date", c.Date, "error", err)
		return nil

	default:
		c.ID = existingID
		c.CreatedAt = existingCreatedAt
		_, err = h.ExecContext(ctx, `
			UPDATE cash_closures SET drawer_counts = ?, coin_total = ?, withdrawn_notes = ?,
				previous_float = ?, target_float = ?, results = ?, notes = ?
			WHERE id = ?
		`, string(drawer), c.CoinTotal, string(withdrawn),
			c.PreviousFloat, c.TargetFloat, string(results), c.Notes, c.ID)
		if err != nil {
			r.log.Warn("closures: update failed", "date", c.Date, "error", err)
			return nil
		}
	}

	if err := h.Save(); err != nil {
		r.log.Warn("closures: save after mutation failed", "date", c.Date, "error", err)
	}
	return &c
}

// GetByDate returns the closure for a date, or nil.
func (r *ClosureRepository) GetByDate(ctx context.Context, date string) *CashClosure {
	h, ok := r.ensure(ctx)
	if !ok {
		return nil
	}

	row := h.QueryRowContext(ctx, `
		SELECT id, date, drawer_counts, coin_total, withdrawn_notes,
			previous_float, target_float, results, notes, created_at
		FROM cash_closures WHERE date = ?
	`, date)
	c, err := scanClosure(row.Scan)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		r.log.Warn("closures: get failed", "date", date, "error", err)
		return nil
	}
	return c
}

// List returns closures in descending date order, optionally bounded by
// inclusive from/to dates (empty string means open-ended).
func (r *ClosureRepository) List(ctx context.Context, from, to string) []CashClosure {
	h, ok := r.ensure(ctx)
	if !ok {
		return nil
	}

	query := `
		SELECT id, date, drawer_counts, coin_total, withdrawn_notes,
			previous_float, target_float, results, notes, created_at
		FROM cash_closures`
	var args []any
	switch {
	case from != "" && to != "":
		query += ` WHERE date >= ? AND date <= ?`
		args = []any{from, to}
	case from != "":
		query += ` WHERE date >= ?`
		args = []any{from}
	case to != "":
		query += ` WHERE date <= ?`
		args = []any{to}
	}
	query += ` ORDER BY date DESC`

	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		r.log.Warn("closures: list failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []CashClosure
	for rows.Next() {
		c, err := scanClosure(rows.Scan)
		if err != nil {
			r.log.Warn("closures: scan failed", "error", err)
			return nil
		}
		out = append(out, *c)
	}
	return out
}

// Delete removes a closure by id.
func (r *ClosureRepository) Delete(ctx context.Context, id string) bool {
	h, ok := r.ensure(ctx)
	if !ok {
		return false
	}
	res, err := h.ExecContext(ctx, `DELETE FROM cash_closures WHERE id = ?`, id)
	if err != nil {
		r.log.Warn("closures: delete failed", "id", id, "error", err)
		return false
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false
	}
	if err := h.Save(); err != nil {
		r.log.Warn("closures: save after delete failed", "id", id, "error", err)
	}
	return true
}

func scanClosure(scan func(...any) error) (*CashClosure, error) {
	var c CashClosure
	var drawer, withdrawn, results, notes sql.NullString
	if err := scan(
		&c.ID, &c.Date, &drawer, &c.CoinTotal, &withdrawn,
		&c.PreviousFloat, &c.TargetFloat, &results, &notes, &c.CreatedAt,
	); err != nil {
		return nil, err
	}
	if drawer.Valid && drawer.String != "" {
		json.Unmarshal([]byte(drawer.String), &c.DrawerCounts)
	}
	if withdrawn.Valid && withdrawn.String != "" {
		json.Unmarshal([]byte(withdrawn.String), &c.WithdrawnNotes)
	}
	if results.Valid && results.String != "" {
		json.Unmarshal([]byte(results.String), &c.Results)
	}
	if notes.Valid {
		c.Notes = notes.String
	}
	return &c, nil
}
