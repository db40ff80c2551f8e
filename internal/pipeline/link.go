package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/logger"
	"github.com/dvloznov/statement-ingest/internal/matching"
	"github.com/dvloznov/statement-ingest/internal/store"
)

// LinkResult is the account and owner an upload was attributed to.
type LinkResult struct {
	Account *domain.Account
	Created bool
	// Rule is empty when the account was given explicitly or reused.
	Rule   matching.Rule
	Entity matching.EntityMatch
}

// Linker resolves the account an upload's rows are written against.
type Linker struct {
	accounts store.AccountRepository
	entities store.EntityRepository
}

// Link picks the upload's account, creating one when nothing matches. An
// explicit accountID wins, then a still-active AccountID from an earlier
// run, then MatchAccount.
func (l *Linker) Link(ctx context.Context, rec *domain.UploadRecord, accountID string) (*LinkResult, error) {
	const op = "Link"
	log := logger.FromContext(ctx)
	info := detected(rec)

	entity, err := l.matchEntity(ctx, rec.UserID, info.OwnerName)
	if err != nil {
		return nil, domain.Wrap(domain.KindLink, op, err)
	}
	result := &LinkResult{Entity: entity}

	if accountID != "" {
		acc, err := l.accounts.GetAccount(ctx, rec.UserID, accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &domain.Error{Kind: domain.KindNotFound, Op: op, Message: "account not found", Err: err}
			}
			return nil, domain.Wrap(domain.KindLink, op, err)
		}
		if !acc.Active {
			return nil, domain.Validation(op, fmt.Sprintf("account %s is inactive", acc.ID))
		}
		result.Account = acc
		return result, nil
	}

	if rec.AccountID != "" {
		acc, err := l.accounts.GetAccount(ctx, rec.UserID, rec.AccountID)
		switch {
		case err == nil && acc.Active:
			log.Info().Str("account_id", acc.ID).Msg("Reusing linked account")
			result.Account = acc
			return result, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, domain.Wrap(domain.KindLink, op, err)
		}
	}

	accounts, err := l.accounts.ListActiveAccounts(ctx, rec.UserID)
	if err != nil {
		return nil, domain.Wrap(domain.KindLink, op, err)
	}
	if m := matching.MatchAccount(info, accounts); m != nil {
		log.Info().Str("account_id", m.Account.ID).Str("rule", string(m.Rule)).Msg("Matched existing account")
		result.Account = m.Account
		result.Rule = m.Rule
		return result, nil
	}

	acc := matching.NewAccountFor(rec.UserID, info, rec.Filename)
	switch entity.Outcome {
	case matching.EntityMatched:
		acc.EntityID = entity.Entity.ID
	case matching.EntityUseDefault:
		def, err := l.entities.EnsureDefaultEntity(ctx, rec.UserID)
		if err != nil {
			return nil, domain.Wrap(domain.KindLink, op, err)
		}
		acc.EntityID = def.ID
		result.Entity.Entity = def
	}

	created, isNew, err := l.accounts.CreateAccount(ctx, acc)
	if err != nil {
		return nil, domain.Wrap(domain.KindLink, op, err)
	}
	if !created.Active {
		return nil, domain.NewError(domain.KindLink, op, fmt.Sprintf("account %s for this institution is inactive", created.ID))
	}
	log.Info().
		Str("account_id", created.ID).
		Bool("account_created", isNew).
		Str("institution", created.Institution).
		Msg("Resolved account for upload")

	result.Account = created
	result.Created = isNew
	return result, nil
}

// Propose reports what Link would do without creating anything.
func (l *Linker) Propose(ctx context.Context, rec *domain.UploadRecord) (*ProposedAccount, matching.EntityMatch, error) {
	info := detected(rec)

	entity, err := l.matchEntity(ctx, rec.UserID, info.OwnerName)
	if err != nil {
		return nil, entity, err
	}

	if rec.AccountID != "" {
		acc, err := l.accounts.GetAccount(ctx, rec.UserID, rec.AccountID)
		if err == nil && acc.Active {
			return &ProposedAccount{Existing: acc}, entity, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, entity, err
		}
	}

	accounts, err := l.accounts.ListActiveAccounts(ctx, rec.UserID)
	if err != nil {
		return nil, entity, err
	}
	if m := matching.MatchAccount(info, accounts); m != nil {
		return &ProposedAccount{Existing: m.Account, Rule: m.Rule}, entity, nil
	}

	acc := matching.NewAccountFor(rec.UserID, info, rec.Filename)
	if entity.Outcome == matching.EntityMatched {
		acc.EntityID = entity.Entity.ID
	}
	return &ProposedAccount{WouldCreate: acc}, entity, nil
}

func (l *Linker) matchEntity(ctx context.Context, userID, ownerName string) (matching.EntityMatch, error) {
	entities, err := l.entities.ListEntities(ctx, userID)
	if err != nil {
		return matching.EntityMatch{}, fmt.Errorf("matchEntity: listing entities: %w", err)
	}
	return matching.MatchEntity(ownerName, entities), nil
}

func detected(rec *domain.UploadRecord) domain.DetectedAccount {
	if rec.DetectedAccount != nil {
		return *rec.DetectedAccount
	}
	if rec.Extraction != nil {
		return rec.Extraction.Account
	}
	return domain.DetectedAccount{}
}
