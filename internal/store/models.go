package store

// Role values for conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Product is one drug product of the reference dataset, keyed by its CIS
// code. Read-mostly; refreshed by bulk import.
type Product struct {
	CISCode              string `json:"cisCode"`
	Name                 string `json:"name"`
	PharmaceuticalForm   string `json:"pharmaceuticalForm"`
	AdministrationRoutes string `json:"administrationRoutes"`
	ActiveIngredient     string `json:"activeIngredient"`
	Manufacturer         string `json:"manufacturer"`
	Status               string `json:"status"`
	EnhancedSurveillance bool   `json:"enhancedSurveillance"`
	CreatedAt            int64  `json:"createdAt"`
}

// Composition is one active-substance line of a product. No stable id
// across imports; the table is resynced wholesale.
type Composition struct {
	CISCode        string `json:"cisCode"`
	SubstanceName  string `json:"substanceName"`
	Dosage         string `json:"dosage"`
	ReferenceBasis string `json:"referenceBasis"`
}

// Presentation is one package/pricing unit of a product, identified by its
// CIP13 code (and optionally the legacy CIP7 form).
type Presentation struct {
	CISCode           string   `json:"cisCode"`
	CIP13             string   `json:"cip13"`
	CIP7              string   `json:"cip7,omitempty"`
	Label             string   `json:"label"`
	Price             *float64 `json:"price,omitempty"`
	ReimbursementRate string   `json:"reimbursementRate,omitempty"`
	Commercialized    bool     `json:"commercialized"`
}

// DosageReference holds the dosing ceilings for one active ingredient,
// keyed by its normalized name.
type DosageReference struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	MgPerKgPerDay    float64  `json:"mgPerKgPerDay"`
	MaxDailyMg       float64  `json:"maxDailyMg"`
	MaxPerDoseMg     float64  `json:"maxPerDoseMg"`
	DefaultFrequency int      `json:"defaultFrequency"`
	MinIntervalHours float64  `json:"minIntervalHours"`
	MinAgeMonths     *int     `json:"minAgeMonths,omitempty"`
	MaxAgeYears      *int     `json:"maxAgeYears,omitempty"`
	Notes            []string `json:"notes,omitempty"`
}

// ProductDetail is a product hydrated with its compositions, presentations
// (price ascending, unknown prices last) and at most one dosage reference.
type ProductDetail struct {
	Product
	Compositions  []Composition    `json:"compositions"`
	Presentations []Presentation   `json:"presentations"`
	Dosage        *DosageReference `json:"dosage,omitempty"`
}

// Conversation is one assistant chat session.
type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Provider  string `json:"provider"`
	Model     string `json:"model,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
	Archived  bool   `json:"archived"`
	Pinned    bool   `json:"pinned"`
}

// Message belongs to a Conversation. Inserting one always touches the
// parent's UpdatedAt.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// CashClosure is the end-of-day till reconciliation for one calendar date.
// At most one closure exists per date; a second save updates in place.
type CashClosure struct {
	ID             string             `json:"id"`
	Date           string             `json:"date"` // YYYY-MM-DD
	DrawerCounts   map[string]int     `json:"drawerCounts"`
	CoinTotal      float64            `json:"coinTotal"`
	WithdrawnNotes map[string]int     `json:"withdrawnNotes"`
	PreviousFloat  float64            `json:"previousFloat"`
	TargetFloat    float64            `json:"targetFloat"`
	Results        map[string]float64 `json:"results"`
	Notes          string             `json:"notes,omitempty"`
	CreatedAt      int64              `json:"createdAt"`
}
