package domain

import (
	"strings"
	"time"
	"unicode"
)

// UnknownInstitution is used when the oracle could not read the institution name.
const UnknownInstitution = "Unknown"

// Account is a user's financial account in canonical storage.
type Account struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Institution string    `json:"institution"`
	AccountType string    `json:"account_type"`
	NumberHint  string    `json:"number_hint,omitempty"`
	Nickname    string    `json:"nickname,omitempty"`
	GroupTag    string    `json:"group_tag,omitempty"`
	EntityID    string    `json:"entity_id,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// EntityType is the household role of an Entity.
type EntityType string

const (
	EntityPersonal EntityType = "personal"
	EntitySpouse   EntityType = "spouse"
	EntityTrust    EntityType = "trust"
	EntityPartner  EntityType = "partner"
	EntityOther    EntityType = "other"
)

// DefaultEntityName is the display name of a lazily created default entity.
const DefaultEntityName = "Me"

// Entity is a household-level owner grouping.
type Entity struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Type        EntityType `json:"type"`
	IsDefault   bool       `json:"is_default"`
	CreatedAt   time.Time  `json:"created_at"`
}

// UserSettings holds a user's oracle preferences.
type UserSettings struct {
	UserID         string    `json:"user_id"`
	ExtractionMode string    `json:"extraction_mode"`
	Preset         string    `json:"preset"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NormalizeInstitution lowercases an institution name, drops punctuation and
// collapses whitespace so "J.P. Morgan  Chase" and "jp morgan chase" compare equal.
func NormalizeInstitution(s string) string {
	var b strings.Builder
	pendingSpace := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '/':
			pendingSpace = true
		}
	}
	return b.String()
}

// NormalizeNumberHint keeps the last four alphanumerics of an account number
// hint, lowercased. Masks like "****1234" and "xx-1234" both become "1234".
func NormalizeNumberHint(s string) string {
	var out []rune
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out = append(out, r)
		}
	}
	// mask characters are letters too
	trimmed := strings.TrimLeft(string(out), "x")
	out = []rune(trimmed)
	if len(out) > 4 {
		out = out[len(out)-4:]
	}
	return string(out)
}

// AccountKey is the identity an account is deduplicated on.
func AccountKey(institution, numberHint string) string {
	return NormalizeInstitution(institution) + "|" + NormalizeNumberHint(numberHint)
}

// Key returns the account's deduplication identity.
func (a *Account) Key() string {
	return AccountKey(a.Institution, a.NumberHint)
}
