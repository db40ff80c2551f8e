package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/oracle"
	"github.com/dvloznov/statement-ingest/internal/store"
)

// GetSettings returns the user's effective oracle settings: stored values
// where set, configured defaults otherwise.
func (s *Service) GetSettings(ctx context.Context, userID string) (*domain.UserSettings, error) {
	const op = "GetSettings"
	if err := requireUser(op, userID); err != nil {
		return nil, err
	}

	out := &domain.UserSettings{UserID: userID}
	st, err := s.store.GetSettings(ctx, userID)
	switch {
	case err == nil:
		out.UpdatedAt = st.UpdatedAt
		out.ExtractionMode = st.ExtractionMode
		out.Preset = st.Preset
	case !errors.Is(err, store.ErrNotFound):
		return nil, storeError(op, "settings", err)
	}

	if out.ExtractionMode == "" {
		out.ExtractionMode = string(s.opts.DefaultMode)
	}
	if out.Preset == "" {
		out.Preset = s.opts.DefaultPreset
	}
	return out, nil
}

// UpdateSettings stores the user's oracle mode and preset. An empty value
// clears the preference so the configured default applies.
func (s *Service) UpdateSettings(ctx context.Context, userID, mode, preset string) (*domain.UserSettings, error) {
	const op = "UpdateSettings"
	if err := requireUser(op, userID); err != nil {
		return nil, err
	}

	mode = strings.ToLower(strings.TrimSpace(mode))
	preset = strings.ToLower(strings.TrimSpace(preset))

	switch oracle.Mode(mode) {
	case "", oracle.ModeGemini, oracle.ModeOpenAI, oracle.ModeCLI:
	default:
		return nil, domain.Validation(op, fmt.Sprintf("unknown extraction mode %q", mode))
	}
	if preset != "" {
		if _, ok := oracle.DefaultPresets().Get(preset); !ok {
			return nil, domain.Validation(op, fmt.Sprintf("unknown preset %q", preset))
		}
	}

	st := &domain.UserSettings{
		UserID:         userID,
		ExtractionMode: mode,
		Preset:         preset,
		UpdatedAt:      s.opts.Now(),
	}
	if err := s.store.SaveSettings(ctx, st); err != nil {
		return nil, storeError(op, "settings", err)
	}
	return s.GetSettings(ctx, userID)
}
