package store

import (
	"context"
	"testing"

	"github.com/pharmadesk/pharmacache/pkg/logger"
)

func ptrFloat(v float64) *float64 { return &v }

func seedFormulary(t *testing.T, repo *FormularyRepository) {
	t.Helper()
	ctx := context.Background()

	products := []Product{
		{
			CISCode:            "60234100",
			Name:               "DOLIPRANE 500 mg, comprimé",
			PharmaceuticalForm: "comprimé",
			ActiveIngredient:   "paracétamol",
			Manufacturer:       "OPELLA HEALTHCARE",
			Status:             "Autorisation active",
		},
		{
			CISCode:            "61266250",
			Name:               "PARACETAMOL BIOGARAN 1000 mg, comprimé",
			PharmaceuticalForm: "comprimé",
			ActiveIngredient:   "paracétamol",
			Manufacturer:       "BIOGARAN",
			Status:             "Autorisation active",
		},
		{
			CISCode:            "65588600",
			Name:               "NUROFEN 200 mg, comprimé enrobé",
			PharmaceuticalForm: "comprimé enrobé",
			ActiveIngredient:   "ibuprofène",
			Manufacturer:       "RECKITT BENCKISER",
			Status:             "Autorisation active",
		},
	}
	if n := repo.ImportProducts(ctx, products); n != len(products) {
		t.Fatalf("ImportProducts returned %d, want %d", n, len(products))
	}

	presentations := []Presentation{
		{CISCode: "60234100", CIP13: "3400935955838", CIP7: "3955838", Label: "boîte de 16", Price: ptrFloat(1.94), Commercialized: true},
		{CISCode: "60234100", CIP13: "3400930000001", Label: "boîte de 8", Commercialized: true},
		{CISCode: "61266250", CIP13: "3400936000002", CIP7: "3600000", Label: "boîte de 8", Price: ptrFloat(1.12), Commercialized: true},
	}
	if n := repo.ImportPresentations(ctx, presentations); n != len(presentations) {
		t.Fatalf("ImportPresentations returned %d, want %d", n, len(presentations))
	}

	compositions := []Composition{
		{CISCode: "60234100", SubstanceName: "PARACÉTAMOL", Dosage: "500 mg", ReferenceBasis: "un comprimé"},
		{CISCode: "61266250", SubstanceName: "PARACÉTAMOL", Dosage: "1000 mg", ReferenceBasis: "un comprimé"},
	}
	if n := repo.ImportCompositions(ctx, compositions); n != len(compositions) {
		t.Fatalf("ImportCompositions returned %d, want %d", n, len(compositions))
	}

	refs := []DosageReference{
		{Name: "Paracétamol", MgPerKgPerDay: 60, MaxDailyMg: 3000, MaxPerDoseMg: 1000, DefaultFrequency: 4, MinIntervalHours: 6},
		{Name: "Ibuprofène", MgPerKgPerDay: 30, MaxDailyMg: 1200, MaxPerDoseMg: 400, DefaultFrequency: 3, MinIntervalHours: 6},
	}
	if n := repo.ImportDosageReferences(ctx, refs); n != len(refs) {
		t.Fatalf("ImportDosageReferences returned %d, want %d", n, len(refs))
	}
}

func TestSearchRanksIngredientMatchesFirst(t *testing.T) {
	repo := NewFormularyRepository(newTestManager(t), logger.Nop())
	seedFormulary(t, repo)

	results := repo.Search(context.Background(), "paracétamol", 0)
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	// Both match on the ingredient; alphabetical by name breaks the tie.
	if results[0].CISCode != "60234100" {
		t.Errorf("Expected DOLIPRANE first, got %s", results[0].Name)
	}
	if results[1].CISCode != "61266250" {
		t.Errorf("Expected PARACETAMOL BIOGARAN second, got %s", results[1].Name)
	}
	for _, r := range results {
		if r.ActiveIngredient == "ibuprofène" {
			t.Error("Ibuprofen product must not match a paracetamol query")
		}
	}
}

func TestSearchNameOnlyMatchesRankAfterIngredientMatches(t *testing.T) {
	repo := NewFormularyRepository(newTestManager(t), logger.Nop())
	ctx := context.Background()

	// ZENTEL matches on its ingredient, IBUPROFENE MYLAN only on its name.
	// The ingredient match wins despite sorting after alphabetically.
	repo.ImportProducts(ctx, []Product{
		{CISCode: "60000001", Name: "ZENTEL 400 mg", ActiveIngredient: "ibuprofene"},
		{CISCode: "60000002", Name: "IBUPROFENE MYLAN 200 mg", ActiveIngredient: "albendazole"},
	})

	results := repo.Search(ctx, "ibuprofene", 0)
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].CISCode != "60000001" {
		t.Errorf("Expected ingredient match first, got %s", results[0].Name)
	}
	if results[1].CISCode != "60000002" {
		t.Errorf("Expected name-only match second, got %s", results[1].Name)
	}
}

func TestSearchHonorsLimit(t *testing.T) {
	repo := NewFormularyRepository(newTestManager(t), logger.Nop())
	seedFormulary(t, repo)

	results := repo.Search(context.Background(), "comprimé", 1)
	if len(results) != 1 {
		t.Errorf("Expected limit of 1, got %d results", len(results))
	}
	if empty := repo.Search(context.Background(), "", 5); empty != nil {
		t.Errorf("Empty query should return nothing, got %d results", len(empty))
	}
}

func TestSearchMatchesLikeMetacharactersLiterally(t *testing.T) {
	repo := NewFormularyRepository(newTestManager(t), logger.Nop())
	seedFormulary(t, repo)

	// "%" and "_" are literal characters in a user query, not wildcards.
	if got := repo.Search(context.Background(), "100%", 0); got != nil {
		t.Errorf("Query with %% should not act as a wildcard, got %d results", len(got))
	}
	if got := repo.Search(context.Background(), "_", 0); got != nil {
		t.Errorf("Query with _ should not act as a wildcard, got %d results", len(got))
	}
}

func TestSearchHydratesResults(t *testing.T) {
	repo := NewFormularyRepository(newTestManager(t), logger.Nop())
	seedFormulary(t, repo)

	results := repo.Search(context.Background(), "doliprane", 0)
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	d := results[0]
	if len(d.Compositions) != 1 || d.Compositions[0].Dosage != "500 mg" {
		t.Errorf("Expected hydrated composition, got %+v", d.Compositions)
	}
	if len(d.Presentations) != 2 {
		t.Fatalf("Expected 2 presentations, got %d", len(d.Presentations))
	}
	// Priced packs come first; unknown prices sort last.
	if d.Presentations[0].Price == nil || *d.Presentations[0].Price != 1.94 {
		t.Errorf("Expected priced presentation first, got %+v", d.Presentations[0])
	}
	if d.Presentations[1].Price != nil {
		t.Errorf("Expected unpriced presentation last, got %+v", d.Presentations[1])
	}
	if d.Dosage == nil || d.Dosage.MaxDailyMg != 3000 {
		t.Errorf("Expected paracetamol dosage reference, got %+v", d.Dosage)
	}
}

func TestSearchByPackCode(t *testing.T) {
	repo := NewFormularyRepository(newTestManager(t), logger.Nop())
	seedFormulary(t, repo)
	ctx := context.Background()

	// Scanner output arrives with separators; they are ignored.
	for _, code := range []string{"3400935955838", "3400-935 955838", " 3400935955838 "} {
		d := repo.SearchByPackCode(ctx, code)
		if d == nil {
			t.Fatalf("Pack code %q not resolved", code)
		}
		if d.CISCode != "60234100" {
			t.Errorf("Pack code %q resolved to %s", code, d.CISCode)
		}
	}

	// CIP7 legacy form.
	if d := repo.SearchByPackCode(ctx, "3600000"); d == nil || d.CISCode != "61266250" {
		t.Errorf("CIP7 lookup failed: %+v", d)
	}

	if d := repo.SearchByPackCode(ctx, "0000000000000"); d != nil {
		t.Errorf("Unknown pack code should return nil, got %+v", d)
	}
	if d := repo.SearchByPackCode(ctx, "  - "); d != nil {
		t.Errorf("Separator-only code should return nil, got %+v", d)
	}
}

func TestImportProductsUpsertPreservesCreatedAt(t *testing.T) {
	repo := NewFormularyRepository(newTestManager(t), logger.Nop())
	ctx := context.Background()

	repo.ImportProducts(ctx, []Product{{CISCode: "60234100", Name: "DOLIPRANE 500 mg", ActiveIngredient: "paracétamol", CreatedAt: 1111}})
	repo.ImportProducts(ctx, []Product{{CISCode: "60234100", Name: "DOLIPRANE 500 mg, comprimé", ActiveIngredient: "paracétamol"}})

	d := repo.GetProduct(ctx, "60234100")
	if d == nil {
		t.Fatal("Product missing after reimport")
	}
	if d.Name != "DOLIPRANE 500 mg, comprimé" {
		t.Errorf("Expected updated name, got %s", d.Name)
	}
	if d.CreatedAt != 1111 {
		t.Errorf("Reimport must keep original created_at, got %d", d.CreatedAt)
	}
}

func TestImportPresentationsRollsBackAsOneBatch(t *testing.T) {
	repo := NewFormularyRepository(newTestManager(t), logger.Nop())
	seedFormulary(t, repo)
	ctx := context.Background()

	// Duplicate CIP13 inside the batch violates the unique constraint; the
	// whole resync rolls back and the previous rows survive.
	bad := []Presentation{
		{CISCode: "60234100", CIP13: "3400911111111", Label: "a"},
		{CISCode: "60234100", CIP13: "3400911111111", Label: "b"},
	}
	if n := repo.ImportPresentations(ctx, bad); n != 0 {
		t.Fatalf("Expected failed batch to report 0, got %d", n)
	}

	d := repo.GetProduct(ctx, "60234100")
	if d == nil || len(d.Presentations) != 2 {
		t.Fatalf("Previous presentations must survive a rolled-back import, got %+v", d)
	}
}

func TestDosageForIngredient(t *testing.T) {
	repo := NewFormularyRepository(newTestManager(t), logger.Nop())
	seedFormulary(t, repo)
	ctx := context.Background()

	// Exact match, accents and case ignored.
	if d := repo.DosageForIngredient(ctx, "PARACÉTAMOL"); d == nil || d.MaxDailyMg != 3000 {
		t.Errorf("Exact lookup failed: %+v", d)
	}
	// Stored name containing the query.
	if d := repo.DosageForIngredient(ctx, "ibupro"); d == nil || d.MaxDailyMg != 1200 {
		t.Errorf("Contains lookup failed: %+v", d)
	}
	// Compound label: the automaton finds a known name inside the query.
	if d := repo.DosageForIngredient(ctx, "paracétamol chlorhydrate anhydre"); d == nil || d.MaxDailyMg != 3000 {
		t.Errorf("Compound lookup failed: %+v", d)
	}
	if d := repo.DosageForIngredient(ctx, "amoxicilline"); d != nil {
		t.Errorf("Unknown ingredient should return nil, got %+v", d)
	}
	if d := repo.DosageForIngredient(ctx, ""); d != nil {
		t.Errorf("Empty name should return nil, got %+v", d)
	}
}

func TestDosageMatcherRebuiltAfterImport(t *testing.T) {
	repo := NewFormularyRepository(newTestManager(t), logger.Nop())
	seedFormulary(t, repo)
	ctx := context.Background()

	// Warm the matcher, then add a new reference.
	repo.DosageForIngredient(ctx, "paracétamol codéine")
	repo.ImportDosageReferences(ctx, []DosageReference{
		{Name: "Amoxicilline", MgPerKgPerDay: 80, MaxDailyMg: 3000, DefaultFrequency: 3},
	})

	if d := repo.DosageForIngredient(ctx, "amoxicilline trihydratée"); d == nil || d.MgPerKgPerDay != 80 {
		t.Errorf("Matcher not rebuilt after dosage import: %+v", d)
	}
}

func TestFormularyDegradesWhenStorageDown(t *testing.T) {
	m := NewManager(func(ctx context.Context) (*Handle, error) {
		return nil, context.DeadlineExceeded
	})
	repo := NewFormularyRepository(m, logger.Nop())
	ctx := context.Background()

	if got := repo.Search(ctx, "doliprane", 0); got != nil {
		t.Errorf("Search should degrade to empty, got %v", got)
	}
	if got := repo.SearchByPackCode(ctx, "3400935955838"); got != nil {
		t.Errorf("Pack lookup should degrade to nil, got %v", got)
	}
	if got := repo.DosageForIngredient(ctx, "paracétamol"); got != nil {
		t.Errorf("Dosage lookup should degrade to nil, got %v", got)
	}
	if n := repo.ImportProducts(ctx, []Product{{CISCode: "1", Name: "X"}}); n != 0 {
		t.Errorf("Import should no-op, got %d", n)
	}
}
