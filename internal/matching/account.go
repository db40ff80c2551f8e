// Package matching reconciles account and owner metadata detected on a
// statement against the user's existing accounts and entities.
package matching

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/dvloznov/statement-ingest/internal/domain"
)

// Rule identifies which matching rule produced an account match.
type Rule string

const (
	RuleInstitutionAndHint Rule = "institution_and_hint"
	RuleInstitutionOnly    Rule = "institution_only"
	RuleNickname           Rule = "nickname"
)

// AccountMatch is the result of MatchAccount.
type AccountMatch struct {
	Account *domain.Account
	Rule    Rule
}

// MatchAccount picks the existing account the detected metadata belongs to,
// or returns nil. Rules are tried in priority order and the first rule with
// any candidate wins; ties go to the newest account, then the greatest ID.
// Inactive accounts are never candidates.
func MatchAccount(info domain.DetectedAccount, accounts []*domain.Account) *AccountMatch {
	active := make([]*domain.Account, 0, len(accounts))
	for _, a := range accounts {
		if a != nil && a.Active {
			active = append(active, a)
		}
	}

	inst := domain.NormalizeInstitution(info.Institution)
	hint := domain.NormalizeNumberHint(info.NumberHint)
	nick := normalizeNickname(info.Nickname)

	rules := []struct {
		rule  Rule
		match func(a *domain.Account) bool
	}{
		{RuleInstitutionAndHint, func(a *domain.Account) bool {
			return inst != "" && hint != "" &&
				domain.NormalizeInstitution(a.Institution) == inst &&
				domain.NormalizeNumberHint(a.NumberHint) == hint
		}},
		{RuleInstitutionOnly, func(a *domain.Account) bool {
			return inst != "" &&
				domain.NormalizeInstitution(a.Institution) == inst &&
				(hint == "" || domain.NormalizeNumberHint(a.NumberHint) == "")
		}},
		{RuleNickname, func(a *domain.Account) bool {
			other := normalizeNickname(a.Nickname)
			if nick == "" || other == "" {
				return false
			}
			return strings.Contains(nick, other) || strings.Contains(other, nick)
		}},
	}

	for _, r := range rules {
		var candidates []*domain.Account
		for _, a := range active {
			if r.match(a) {
				candidates = append(candidates, a)
			}
		}
		if len(candidates) > 0 {
			return &AccountMatch{Account: pickNewest(candidates), Rule: r.rule}
		}
	}
	return nil
}

func pickNewest(candidates []*domain.Account) *domain.Account {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return candidates[0]
}

func normalizeNickname(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NewAccountFor builds the account to create when nothing matched. An
// undetected institution becomes Unknown, and the filename stands in for a
// missing nickname.
func NewAccountFor(userID string, info domain.DetectedAccount, filename string) *domain.Account {
	acc := &domain.Account{
		UserID:      userID,
		Institution: strings.TrimSpace(info.Institution),
		AccountType: strings.TrimSpace(info.AccountType),
		NumberHint:  domain.NormalizeNumberHint(info.NumberHint),
		Nickname:    strings.TrimSpace(info.Nickname),
		Active:      true,
	}

	if acc.Institution == "" {
		acc.Institution = domain.UnknownInstitution
		base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		if acc.Nickname == "" && base != "" && base != "." {
			acc.Nickname = base
		}
	}
	if acc.Nickname == "" {
		acc.Nickname = acc.Institution
		if acc.NumberHint != "" {
			acc.Nickname += " " + acc.NumberHint
		}
	}
	return acc
}
