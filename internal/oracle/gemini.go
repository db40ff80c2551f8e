package oracle

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/dvloznov/statement-ingest/internal/preprocess"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiOracle extracts through the Gemini API or Vertex AI, depending on
// the GOOGLE_GENAI_USE_VERTEXAI environment.
type GeminiOracle struct {
	client *genai.Client
	model  string
}

// NewGeminiOracle creates a Gemini client. An empty apiKey defers to the
// SDK's environment lookup.
func NewGeminiOracle(ctx context.Context, apiKey, model string) (*GeminiOracle, error) {
	cfg := &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	}
	if apiKey != "" {
		cfg.APIKey = apiKey
		cfg.Backend = genai.BackendGeminiAPI
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("NewGeminiOracle: create genai client: %w", err)
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiOracle{client: client, model: model}, nil
}

// Complete sends the prompt and file as one user turn.
func (g *GeminiOracle) Complete(ctx context.Context, call Call) (string, error) {
	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: geminiParts(call),
		},
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(call.Preset.Temperature),
	}
	if call.Preset.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = call.Preset.MaxOutputTokens
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("GeminiOracle.Complete: generate content: %w", err)
	}
	return resp.Text(), nil
}

func geminiParts(call Call) []*genai.Part {
	parts := []*genai.Part{{Text: call.Prompt}}
	f := call.File

	switch f.Kind {
	case preprocess.KindCSV, preprocess.KindSpreadsheet:
		parts = append(parts, &genai.Part{Text: "Statement data (CSV):\n" + string(f.Data)})
	default:
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: f.MIMEType,
				Data:     f.Data,
			},
		})
		if call.Preset.IncludeText && f.Text != "" {
			parts = append(parts, &genai.Part{Text: "Text layer of the document:\n" + f.Text})
		}
	}
	return parts
}
