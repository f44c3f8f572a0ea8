package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pharmadesk/pharmacache/pkg/ingredients"
	"github.com/pharmadesk/pharmacache/pkg/textnorm"
)

// DefaultSearchLimit bounds fuzzy search results when the caller does not
// supply a limit.
const DefaultSearchLimit = 10

const formularySchema = `
CREATE TABLE IF NOT EXISTS products (
    cis_code TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    pharmaceutical_form TEXT,
    administration_routes TEXT,
    active_ingredient TEXT,
    manufacturer TEXT,
    status TEXT,
    enhanced_surveillance INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_products_name ON products(name);
CREATE INDEX IF NOT EXISTS idx_products_ingredient ON products(active_ingredient);

-- Compositions and presentations carry no stable row id across imports;
-- bulk reimport resyncs them wholesale (delete all, reinsert).
CREATE TABLE IF NOT EXISTS compositions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cis_code TEXT NOT NULL,
    substance_name TEXT NOT NULL,
    dosage TEXT,
    reference_basis TEXT,
    FOREIGN KEY (cis_code) REFERENCES products(cis_code)
);

CREATE INDEX IF NOT EXISTS idx_compositions_cis ON compositions(cis_code);

CREATE TABLE IF NOT EXISTS presentations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cis_code TEXT NOT NULL,
    cip13 TEXT NOT NULL UNIQUE,
    cip7 TEXT,
    label TEXT,
    price REAL,
    reimbursement_rate TEXT,
    commercialized INTEGER DEFAULT 1,
    FOREIGN KEY (cis_code) REFERENCES products(cis_code)
);

CREATE INDEX IF NOT EXISTS idx_presentations_cis ON presentations(cis_code);
CREATE INDEX IF NOT EXISTS idx_presentations_cip7 ON presentations(cip7);

CREATE TABLE IF NOT EXISTS dosage_references (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    name_normalized TEXT NOT NULL UNIQUE,
    mg_per_kg_per_day REAL,
    max_daily_mg REAL,
    max_per_dose_mg REAL,
    default_frequency INTEGER,
    min_interval_hours REAL,
    min_age_months INTEGER,
    max_age_years INTEGER,
    notes TEXT
);
`

// FormularyRepository serves the drug reference dataset: ranked fuzzy
// search, pack-code lookup, dosage-reference lookup and bulk import.
//
// Every public method is a safety boundary: when the shared handle is
// unavailable or a statement fails, reads return empty results and writes
// become logged no-ops, so a broken local cache degrades features instead
// of crashing callers.
type FormularyRepository struct {
	manager *Manager
	log     *slog.Logger

	matcherMu sync.Mutex
	matcher   *ingredients.Matcher
}

// NewFormularyRepository binds the repository to the shared handle manager.
func NewFormularyRepository(m *Manager, log *slog.Logger) *FormularyRepository {
	if log == nil {
		log = slog.Default()
	}
	return &FormularyRepository{manager: m, log: log}
}

func (r *FormularyRepository) ensure(ctx context.Context) (*Handle, bool) {
	h, err := r.manager.Get(ctx)
	if err != nil {
		r.log.Warn("formulary: local storage unavailable", "error", err)
		return nil, false
	}
	if err := h.EnsureSchema(ctx, "formulary", formularySchema); err != nil {
		r.log.Warn("formulary: schema init failed", "error", err)
		return nil, false
	}
	return h, true
}

// Search matches query as a substring of either the product name or the
// primary active ingredient. Products matched on the ingredient rank ahead
// of name-only matches; ties break alphabetically by name. Each hit is
// fully hydrated.
func (r *FormularyRepository) Search(ctx context.Context, query string, limit int) []ProductDetail {
	if query == "" {
		return nil
	}
	h, ok := r.ensure(ctx)
	if !ok {
		return nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	pattern := "%" + escapeLike(query) + "%"
	rows, err := h.QueryContext(ctx, `
		SELECT cis_code, name, pharmaceutical_form, administration_routes,
			active_ingredient, manufacturer, status, enhanced_surveillance, created_at,
			CASE WHEN active_ingredient LIKE ? ESCAPE '\' THEN 0 ELSE 1 END AS ingredient_rank
		FROM products
		WHERE name LIKE ? ESCAPE '\' OR active_ingredient LIKE ? ESCAPE '\'
		ORDER BY ingredient_rank, name
		LIMIT ?
	`, pattern, pattern, pattern, limit)
	if err != nil {
		r.log.Warn("formulary: search failed", "query", query, "error", err)
		return nil
	}
	defer rows.Close()

	var details []ProductDetail
	for rows.Next() {
		var p Product
		var surveillance, rank int
		if err := rows.Scan(
			&p.CISCode, &p.Name, &p.PharmaceuticalForm, &p.AdministrationRoutes,
			&p.ActiveIngredient, &p.Manufacturer, &p.Status, &surveillance, &p.CreatedAt,
			&rank,
		); err != nil {
			r.log.Warn("formulary: scan product failed", "error", err)
			return nil
		}
		p.EnhancedSurveillance = surveillance != 0
		details = append(details, r.hydrate(ctx, h, p))
	}
	if err := rows.Err(); err != nil {
		r.log.Warn("formulary: search failed", "query", query, "error", err)
		return nil
	}
	return details
}

// SearchByPackCode resolves a CIP13 or CIP7 pack code to its owning
// product. Whitespace and hyphens in the code are ignored.
func (r *FormularyRepository) SearchByPackCode(ctx context.Context, code string) *ProductDetail {
	normalized := textnorm.PackCode(code)
	if normalized == "" {
		return nil
	}
	h, ok := r.ensure(ctx)
	if !ok {
		return nil
	}

	var cis string
	err := h.QueryRowContext(ctx, `
		SELECT cis_code FROM presentations WHERE cip13 = ? OR cip7 = ? LIMIT 1
	`, normalized, normalized).Scan(&cis)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		r.log.Warn("formulary: pack lookup failed", "code", normalized, "error", err)
		return nil
	}
	return r.getProduct(ctx, h, cis)
}

// GetProduct returns one hydrated product by CIS code, or nil.
func (r *FormularyRepository) GetProduct(ctx context.Context, cisCode string) *ProductDetail {
	h, ok := r.ensure(ctx)
	if !ok {
		return nil
	}
	return r.getProduct(ctx, h, cisCode)
}

func (r *FormularyRepository) getProduct(ctx context.Context, h *Handle, cisCode string) *ProductDetail {
	var p Product
	var surveillance int
	err := h.QueryRowContext(ctx, `
		SELECT cis_code, name, pharmaceutical_form, administration_routes,
			active_ingredient, manufacturer, status, enhanced_surveillance, created_at
		FROM products WHERE cis_code = ?
	`, cisCode).Scan(
		&p.CISCode, &p.Name, &p.PharmaceuticalForm, &p.AdministrationRoutes,
		&p.ActiveIngredient, &p.Manufacturer, &p.Status, &surveillance, &p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		r.log.Warn("formulary: get product failed", "cis", cisCode, "error", err)
		return nil
	}
	p.EnhancedSurveillance = surveillance != 0
	d := r.hydrate(ctx, h, p)
	return &d
}

func (r *FormularyRepository) hydrate(ctx context.Context, h *Handle, p Product) ProductDetail {
	d := ProductDetail{Product: p}
	d.Compositions = r.compositionsFor(ctx, h, p.CISCode)
	d.Presentations = r.presentationsFor(ctx, h, p.CISCode)
	d.Dosage = r.dosageLookup(ctx, h, p.ActiveIngredient)
	return d
}

func (r *FormularyRepository) compositionsFor(ctx context.Context, h *Handle, cisCode string) []Composition {
	rows, err := h.QueryContext(ctx, `
		SELECT cis_code, substance_name, dosage, reference_basis
		FROM compositions WHERE cis_code = ? ORDER BY id
	`, cisCode)
	if err != nil {
		r.log.Warn("formulary: load compositions failed", "cis", cisCode, "error", err)
		return nil
	}
	defer rows.Close()

	var out []Composition
	for rows.Next() {
		var c Composition
		if err := rows.Scan(&c.CISCode, &c.SubstanceName, &c.Dosage, &c.ReferenceBasis); err != nil {
			r.log.Warn("formulary: scan composition failed", "error", err)
			return nil
		}
		out = append(out, c)
	}
	return out
}

func (r *FormularyRepository) presentationsFor(ctx context.Context, h *Handle, cisCode string) []Presentation {
	// price IS NULL sorts unknown prices after priced packs.
	rows, err := h.QueryContext(ctx, `
		SELECT cis_code, cip13, cip7, label, price, reimbursement_rate, commercialized
		FROM presentations WHERE cis_code = ?
		ORDER BY price IS NULL, price, cip13
	`, cisCode)
	if err != nil {
		r.log.Warn("formulary: load presentations failed", "cis", cisCode, "error", err)
		return nil
	}
	defer rows.Close()

	var out []Presentation
	for rows.Next() {
		var p Presentation
		var cip7, rate sql.NullString
		var price sql.NullFloat64
		var commercialized int
		if err := rows.Scan(&p.CISCode, &p.CIP13, &cip7, &p.Label, &price, &rate, &commercialized); err != nil {
			r.log.Warn("formulary: scan presentation failed", "error", err)
			return nil
		}
		if cip7.Valid {
			p.CIP7 = cip7.String
		}
		if price.Valid {
			v := price.Float64
			p.Price = &v
		}
		if rate.Valid {
			p.ReimbursementRate = rate.String
		}
		p.Commercialized = commercialized != 0
		out = append(out, p)
	}
	return out
}

// DosageForIngredient finds the dosage reference for an ingredient name.
// Lookup order: exact normalized equality, then a stored name containing
// the query, then the automaton finding a stored name inside the query.
func (r *FormularyRepository) DosageForIngredient(ctx context.Context, name string) *DosageReference {
	h, ok := r.ensure(ctx)
	if !ok {
		return nil
	}
	return r.dosageLookup(ctx, h, name)
}

func (r *FormularyRepository) dosageLookup(ctx context.Context, h *Handle, name string) *DosageReference {
	key := textnorm.Fold(name)
	if key == "" {
		return nil
	}

	if d := r.dosageByNormalized(ctx, h, key, false); d != nil {
		return d
	}
	if d := r.dosageByNormalized(ctx, h, key, true); d != nil {
		return d
	}

	// Compound labels: find a known reference name inside the query.
	m := r.matcherFor(ctx, h)
	if found, ok := m.FindIn(key); ok {
		return r.dosageByNormalized(ctx, h, found, false)
	}
	return nil
}

func (r *FormularyRepository) dosageByNormalized(ctx context.Context, h *Handle, key string, contains bool) *DosageReference {
	query := `
		SELECT id, name, mg_per_kg_per_day, max_daily_mg, max_per_dose_mg,
			default_frequency, min_interval_hours, min_age_months, max_age_years, notes
		FROM dosage_references WHERE name_normalized = ? LIMIT 1`
	arg := key
	if contains {
		query = `
		SELECT id, name, mg_per_kg_per_day, max_daily_mg, max_per_dose_mg,
			default_frequency, min_interval_hours, min_age_months, max_age_years, notes
		FROM dosage_references WHERE name_normalized LIKE ? ESCAPE '\'
		ORDER BY length(name_normalized) LIMIT 1`
		arg = "%" + escapeLike(key) + "%"
	}

	var d DosageReference
	var minAge, maxAge sql.NullInt64
	var notes sql.NullString
	err := h.QueryRowContext(ctx, query, arg).Scan(
		&d.ID, &d.Name, &d.MgPerKgPerDay, &d.MaxDailyMg, &d.MaxPerDoseMg,
		&d.DefaultFrequency, &d.MinIntervalHours, &minAge, &maxAge, &notes,
	)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		r.log.Warn("formulary: dosage lookup failed", "key", key, "error", err)
		return nil
	}
	if minAge.Valid {
		v := int(minAge.Int64)
		d.MinAgeMonths = &v
	}
	if maxAge.Valid {
		v := int(maxAge.Int64)
		d.MaxAgeYears = &v
	}
	if notes.Valid && notes.String != "" {
		if err := json.Unmarshal([]byte(notes.String), &d.Notes); err != nil {
			d.Notes = nil
		}
	}
	return &d
}

func (r *FormularyRepository) matcherFor(ctx context.Context, h *Handle) *ingredients.Matcher {
	r.matcherMu.Lock()
	defer r.matcherMu.Unlock()
	if r.matcher != nil {
		return r.matcher
	}

	rows, err := h.QueryContext(ctx, `SELECT name_normalized FROM dosage_references`)
	if err != nil {
		r.log.Warn("formulary: load dosage names failed", "error", err)
		return nil
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			r.log.Warn("formulary: scan dosage name failed", "error", err)
			return nil
		}
		names = append(names, n)
	}

	m, err := ingredients.New(names)
	if err != nil {
		r.log.Warn("formulary: compile ingredient matcher failed", "error", err)
		return nil
	}
	r.matcher = m
	return m
}

func (r *FormularyRepository) invalidateMatcher() {
	r.matcherMu.Lock()
	r.matcher = nil
	r.matcherMu.Unlock()
}

// ImportProducts upserts products by CIS code inside one transaction.
// All-or-nothing: any row failure rolls back the whole batch and the
// method reports zero imported.
func (r *FormularyRepository) ImportProducts(ctx context.Context, products []Product) int {
	h, ok := r.ensure(ctx)
	if !ok {
		return 0
	}
	tx, err := h.BeginTx(ctx)
	if err != nil {
		r.log.Warn("formulary: begin import failed", "error", err)
		return 0
	}

	now := time.Now().Unix()
	for _, p := range products {
		createdAt := p.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO products (cis_code, name, pharmaceutical_form, administration_routes,
				active_ingredient, manufacturer, status, enhanced_surveillance, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(cis_code) DO UPDATE SET
				name = excluded.name,
				pharmaceutical_form = excluded.pharmaceutical_form,
				administration_routes = excluded.administration_routes,
				active_ingredient = excluded.active_ingredient,
				manufacturer = excluded.manufacturer,
				status = excluded.status,
				enhanced_surveillance = excluded.enhanced_surveillance
		`, p.CISCode, p.Name, p.PharmaceuticalForm, p.AdministrationRoutes,
			p.ActiveIngredient, p.Manufacturer, p.Status, boolToInt(p.EnhancedSurveillance), createdAt)
		if err != nil {
			tx.Rollback()
			r.log.Warn("formulary: product import rolled back", "cis", p.CISCode, "error", err)
			return 0
		}
	}

	if err := tx.Commit(); err != nil {
		r.log.Warn("formulary: commit product import failed", "error", err)
		return 0
	}
	r.persist(ctx, h, "product import")
	return len(products)
}

// ImportCompositions resyncs the compositions table: all existing rows are
// deleted, then the batch is inserted, in one transaction.
func (r *FormularyRepository) ImportCompositions(ctx context.Context, compositions []Composition) int {
	h, ok := r.ensure(ctx)
	if !ok {
		return 0
	}
	tx, err := h.BeginTx(ctx)
	if err != nil {
		r.log.Warn("formulary: begin import failed", "error", err)
		return 0
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM compositions`); err != nil {
		tx.Rollback()
		r.log.Warn("formulary: composition resync rolled back", "error", err)
		return 0
	}
	for _, c := range compositions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO compositions (cis_code, substance_name, dosage, reference_basis)
			VALUES (?, ?, ?, ?)
		`, c.CISCode, c.SubstanceName, c.Dosage, c.ReferenceBasis)
		if err != nil {
			tx.Rollback()
			r.log.Warn("formulary: composition import rolled back", "cis", c.CISCode, "error", err)
			return 0
		}
	}

	if err := tx.Commit(); err != nil {
		r.log.Warn("formulary: commit composition import failed", "error", err)
		return 0
	}
	r.persist(ctx, h, "composition import")
	return len(compositions)
}

// ImportPresentations resyncs the presentations table the same way as
// compositions: delete all, reinsert, one transaction.
func (r *FormularyRepository) ImportPresentations(ctx context.Context, presentations []Presentation) int {
	h, ok := r.ensure(ctx)
	if !ok {
		return 0
	}
	tx, err := h.BeginTx(ctx)
	if err != nil {
		r.log.Warn("formulary: begin import failed", "error", err)
		return 0
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM presentations`); err != nil {
		tx.Rollback()
		r.log.Warn("formulary: presentation resync rolled back", "error", err)
		return 0
	}
	for _, p := range presentations {
		var price any
		if p.Price != nil {
			price = *p.Price
		}
		var cip7 any
		if p.CIP7 != "" {
			cip7 = p.CIP7
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO presentations (cis_code, cip13, cip7, label, price, reimbursement_rate, commercialized)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.CISCode, p.CIP13, cip7, p.Label, price, p.ReimbursementRate, boolToInt(p.Commercialized))
		if err != nil {
			tx.Rollback()
			r.log.Warn("formulary: presentation import rolled back", "cip13", p.CIP13, "error", err)
			return 0
		}
	}

	if err := tx.Commit(); err != nil {
		r.log.Warn("formulary: commit presentation import failed", "error", err)
		return 0
	}
	r.persist(ctx, h, "presentation import")
	return len(presentations)
}

// ImportDosageReferences upserts dosage references by normalized ingredient
// name inside one transaction, then invalidates the ingredient matcher.
func (r *FormularyRepository) ImportDosageReferences(ctx context.Context, refs []DosageReference) int {
	h, ok := r.ensure(ctx)
	if !ok {
		return 0
	}
	tx, err := h.BeginTx(ctx)
	if err != nil {
		r.log.Warn("formulary: begin import failed", "error", err)
		return 0
	}

	for _, d := range refs {
		key := textnorm.Fold(d.Name)
		if key == "" {
			tx.Rollback()
			r.log.Warn("formulary: dosage import rolled back", "error", "empty ingredient name")
			return 0
		}
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		notes, err := json.Marshal(d.Notes)
		if err != nil {
			tx.Rollback()
			r.log.Warn("formulary: dosage import rolled back", "name", d.Name, "error", err)
			return 0
		}
		var minAge, maxAge any
		if d.MinAgeMonths != nil {
			minAge = *d.MinAgeMonths
		}
		if d.MaxAgeYears != nil {
			maxAge = *d.MaxAgeYears
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dosage_references (id, name, name_normalized, mg_per_kg_per_day,
				max_daily_mg, max_per_dose_mg, default_frequency, min_interval_hours,
				min_age_months, max_age_years, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name_normalized) DO UPDATE SET
				name = excluded.name,
				mg_per_kg_per_day = excluded.mg_per_kg_per_day,
				max_daily_mg = excluded.max_daily_mg,
				max_per_dose_mg = excluded.max_per_dose_mg,
				default_frequency = excluded.default_frequency,
				min_interval_hours = excluded.min_interval_hours,
				min_age_months = excluded.min_age_months,
				max_age_years = excluded.max_age_years,
				notes = excluded.notes
		`, id, d.Name, key, d.MgPerKgPerDay, d.MaxDailyMg, d.MaxPerDoseMg,
			d.DefaultFrequency, d.MinIntervalHours, minAge, maxAge, string(notes))
		if err != nil {
			tx.Rollback()
			r.log.Warn("formulary: dosage import rolled back", "name", d.Name, "error", err)
			return 0
		}
	}

	if err := tx.Commit(); err != nil {
		r.log.Warn("formulary: commit dosage import failed", "error", err)
		return 0
	}
	r.invalidateMatcher()
	r.persist(ctx, h, "dosage import")
	return len(refs)
}

// persist flushes the image after a committed mutation. The in-memory state
// stays authoritative even if the flush fails; the failure is only logged.
func (r *FormularyRepository) persist(_ context.Context, h *Handle, op string) {
	if err := h.Save(); err != nil {
		r.log.Warn("formulary: save after mutation failed", "op", op, "error", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// escapeLike backslash-escapes LIKE metacharacters so user input is
// matched literally. Queries using it must carry ESCAPE '\'.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
