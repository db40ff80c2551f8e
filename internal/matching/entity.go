package matching

import (
	"strings"

	"github.com/dvloznov/statement-ingest/internal/domain"
)

// EntityOutcome classifies an owner match.
type EntityOutcome string

const (
	EntityMatched    EntityOutcome = "matched"
	EntityUseDefault EntityOutcome = "use_default"
	EntityNewOwner   EntityOutcome = "new_owner"
)

// EntityMatch is the result of MatchEntity. Entity is set only for
// EntityMatched; OwnerName only for EntityNewOwner.
type EntityMatch struct {
	Outcome   EntityOutcome
	Entity    *domain.Entity
	OwnerName string
}

// MatchEntity attributes a detected owner name to one of the user's
// entities. It never creates an entity.
func MatchEntity(ownerName string, entities []*domain.Entity) EntityMatch {
	name := strings.TrimSpace(ownerName)
	if name == "" {
		return EntityMatch{Outcome: EntityUseDefault}
	}
	if len(entities) == 0 {
		return EntityMatch{Outcome: EntityNewOwner, OwnerName: name}
	}

	lower := strings.ToLower(name)
	for _, e := range entities {
		if strings.ToLower(strings.TrimSpace(e.DisplayName)) == lower {
			return EntityMatch{Outcome: EntityMatched, Entity: e}
		}
	}
	for _, e := range entities {
		display := strings.ToLower(strings.TrimSpace(e.DisplayName))
		if display == "" {
			continue
		}
		if strings.Contains(lower, display) || strings.Contains(display, lower) {
			return EntityMatch{Outcome: EntityMatched, Entity: e}
		}
	}
	return EntityMatch{Outcome: EntityNewOwner, OwnerName: name}
}
