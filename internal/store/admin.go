package store

import (
	"errors"
	"time"
)

// ErrInvalidGrant is returned when an admin repository is requested without
// a grant issued by GrantAdmin.
var ErrInvalidGrant = errors.New("admin grant required")

// AdminGrant proves the caller passed an administrator check. The zero value
// is not a valid grant.
type AdminGrant struct {
	subject  string
	issuedAt time.Time
}

// GrantAdmin issues a grant for subject. Call it only after the caller's
// admin credentials have been verified.
func GrantAdmin(subject string) (AdminGrant, error) {
	if subject == "" {
		return AdminGrant{}, errors.New("GrantAdmin: subject is required")
	}
	return AdminGrant{subject: subject, issuedAt: time.Now().UTC()}, nil
}

// Valid reports whether the grant was issued by GrantAdmin.
func (g AdminGrant) Valid() bool {
	return g.subject != "" && !g.issuedAt.IsZero()
}

// Subject returns who the grant was issued to.
func (g AdminGrant) Subject() string {
	return g.subject
}

// CheckGrant returns ErrInvalidGrant for a zero grant.
func CheckGrant(g AdminGrant) error {
	if !g.Valid() {
		return ErrInvalidGrant
	}
	return nil
}
