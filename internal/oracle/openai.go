package oracle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/dvloznov/statement-ingest/internal/preprocess"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// ErrNoTextLayer is returned for PDFs without extractable text, which chat
// completion endpoints cannot read.
var ErrNoTextLayer = errors.New("PDF has no text layer")

// chatCompleter is the subset of *openai.Client the oracle uses.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIOracle extracts through any OpenAI-compatible chat completion API.
type OpenAIOracle struct {
	client chatCompleter
	model  string
}

// NewOpenAIOracle creates a client. baseURL may point at a compatible
// provider; empty uses OpenAI.
func NewOpenAIOracle(apiKey, baseURL, model string) *OpenAIOracle {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIOracle{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// Complete sends a system prompt and a user message carrying the document.
func (o *OpenAIOracle) Complete(ctx context.Context, call Call) (string, error) {
	user, err := openAIUserMessage(call.File)
	if err != nil {
		return "", fmt.Errorf("OpenAIOracle.Complete: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: call.Prompt},
			user,
		},
		Temperature: call.Preset.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if call.Preset.MaxOutputTokens > 0 {
		req.MaxTokens = int(call.Preset.MaxOutputTokens)
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("OpenAIOracle.Complete: create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIUserMessage(f *preprocess.Prepared) (openai.ChatCompletionMessage, error) {
	switch f.Kind {
	case preprocess.KindImage:
		url := "data:" + f.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
		return openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: "Statement image:"},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    url,
						Detail: openai.ImageURLDetailHigh,
					},
				},
			},
		}, nil
	case preprocess.KindPDF:
		if f.Text == "" {
			return openai.ChatCompletionMessage{}, ErrNoTextLayer
		}
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: "Statement text:\n" + f.Text,
		}, nil
	default:
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: "Statement data (CSV):\n" + string(f.Data),
		}, nil
	}
}
