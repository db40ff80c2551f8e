// Package oracle dispatches preprocessed statement files to an LLM-backed
// extraction backend and parses the reply into a domain.ExtractionResult.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/logger"
	"github.com/dvloznov/statement-ingest/internal/preprocess"
)

// Mode names an oracle backend.
type Mode string

const (
	ModeGemini Mode = "gemini"
	ModeOpenAI Mode = "openai"
	ModeCLI    Mode = "cli"
)

// Request is one extraction attempt.
type Request struct {
	File     *preprocess.Prepared
	Filename string
	Mode     Mode
	// Preset names an entry of the preset table; empty uses the default.
	Preset string
	// Hints name quality rules the previous extraction failed.
	Hints []string
}

// Response carries the parsed extraction and the raw oracle text.
type Response struct {
	Extraction *domain.ExtractionResult
	Raw        string
}

// Call is what a backend receives.
type Call struct {
	Prompt string
	File   *preprocess.Prepared
	Preset Preset
}

// Oracle is one extraction backend. It returns the model's raw text.
type Oracle interface {
	Complete(ctx context.Context, call Call) (string, error)
}

// Dispatcher routes requests to the registered backend for their mode.
// It never retries.
type Dispatcher struct {
	mu            sync.RWMutex
	oracles       map[Mode]Oracle
	presets       Presets
	defaultPreset string
}

// NewDispatcher returns a Dispatcher with no backends registered.
func NewDispatcher(presets Presets, defaultPreset string) *Dispatcher {
	return &Dispatcher{
		oracles:       make(map[Mode]Oracle),
		presets:       presets,
		defaultPreset: defaultPreset,
	}
}

// Register installs the backend for mode, replacing any previous one.
func (d *Dispatcher) Register(mode Mode, o Oracle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.oracles[mode] = o
}

// Modes reports which modes have a backend.
func (d *Dispatcher) Modes() []Mode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Mode, 0, len(d.oracles))
	for m := range d.oracles {
		out = append(out, m)
	}
	return out
}

// Dispatch runs one extraction. Every failure is a KindOracle error; when
// the backend produced any text the returned Response is non-nil and
// carries it in Raw.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	const op = "Dispatch"
	log := logger.FromContext(ctx)

	if req.File == nil {
		return nil, domain.NewError(domain.KindOracle, op, "no file to extract")
	}

	d.mu.RLock()
	backend, ok := d.oracles[req.Mode]
	d.mu.RUnlock()
	if !ok {
		return nil, domain.NewError(domain.KindOracle, op, fmt.Sprintf("unknown oracle mode %q", req.Mode))
	}

	presetName := req.Preset
	if presetName == "" {
		presetName = d.defaultPreset
	}
	preset, ok := d.presets.Get(presetName)
	if !ok {
		return nil, domain.NewError(domain.KindOracle, op, fmt.Sprintf("unknown preset %q", presetName))
	}

	callCtx := ctx
	if preset.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, preset.Timeout)
		defer cancel()
	}

	log.Info().
		Str("oracle_mode", string(req.Mode)).
		Str("preset", preset.Name).
		Str("mime_type", req.File.MIMEType).
		Int("hints", len(req.Hints)).
		Msg("Dispatching extraction")

	raw, err := backend.Complete(callCtx, Call{
		Prompt: BuildPrompt(req.File, req.Filename, preset, req.Hints),
		File:   req.File,
		Preset: preset,
	})
	var resp *Response
	if raw != "" {
		resp = &Response{Raw: raw}
	}
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return resp, &domain.Error{Kind: domain.KindOracle, Op: op, Message: "oracle timed out", Err: err}
		}
		return resp, &domain.Error{Kind: domain.KindOracle, Op: op, Message: "oracle call failed", Err: err}
	}
	if resp == nil {
		return nil, domain.NewError(domain.KindOracle, op, "empty response from oracle")
	}

	res, err := ParseExtraction(raw)
	if err != nil {
		return resp, &domain.Error{Kind: domain.KindOracle, Op: op, Message: "unparseable oracle response", Err: err}
	}
	resp.Extraction = res

	log.Info().
		Int("transactions", len(res.Transactions)).
		Int("positions", len(res.Positions)).
		Int("balances", len(res.Balances)).
		Float64("confidence", res.Confidence).
		Msg("Extraction parsed")

	return resp, nil
}
