package oracle

import (
	"context"
	"fmt"

	"github.com/dvloznov/statement-ingest/internal/config"
	"github.com/dvloznov/statement-ingest/internal/logger"
)

// NewFromConfig builds a Dispatcher with every backend the configuration
// can construct. The configured default mode must be among them.
func NewFromConfig(ctx context.Context, cfg config.OracleConfig) (*Dispatcher, error) {
	log := logger.FromContext(ctx)

	presets := DefaultPresets()
	if _, ok := presets.Get(cfg.DefaultPreset); !ok {
		return nil, fmt.Errorf("NewFromConfig: unknown default preset %q", cfg.DefaultPreset)
	}
	d := NewDispatcher(presets, cfg.DefaultPreset)

	if g, err := NewGeminiOracle(ctx, cfg.GeminiAPIKey, cfg.GeminiModel); err != nil {
		if Mode(cfg.Mode) == ModeGemini {
			return nil, fmt.Errorf("NewFromConfig: %w", err)
		}
		log.Warn().Err(err).Msg("Gemini oracle unavailable")
	} else {
		d.Register(ModeGemini, g)
	}

	if cfg.OpenAIAPIKey != "" || cfg.OpenAIBaseURL != "" {
		d.Register(ModeOpenAI, NewOpenAIOracle(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel))
	} else if Mode(cfg.Mode) == ModeOpenAI {
		return nil, fmt.Errorf("NewFromConfig: openai mode needs oracle.openai_api_key or oracle.openai_base_url")
	}

	if cfg.CLICommand != "" {
		d.Register(ModeCLI, NewCLIOracle(cfg.CLICommand, cfg.CLIArgs))
	} else if Mode(cfg.Mode) == ModeCLI {
		return nil, fmt.Errorf("NewFromConfig: cli mode needs oracle.cli_command")
	}

	switch Mode(cfg.Mode) {
	case ModeGemini, ModeOpenAI, ModeCLI:
	default:
		return nil, fmt.Errorf("NewFromConfig: unknown oracle mode %q", cfg.Mode)
	}
	return d, nil
}
