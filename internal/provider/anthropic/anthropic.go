// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package anthropic

import (
	"context"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nemesis-dev/nemesis/internal/provider"
	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

const (
	defaultModel     = "claude-haiku-4-5"
	defaultMaxTokens = 1024

	systemPrompt = "You produce one short, actionable directive for the situation " +
		"described by the user, informed by the prior outcomes listed as context. " +
		"Answer with the directive text only."
)

// Config holds Anthropic generator configuration.
type Config struct {
	APIKey    string
	BaseURL   string // optional, useful for testing against a mock server
	Model     string
	MaxTokens int
}

// Generator implements provider.Generator using the Anthropic Messages API.
type Generator struct {
	client    anthropicsdk.Client
	model     anthropicsdk.Model
	maxTokens int64
}

var _ provider.Generator = (*Generator)(nil)

// New creates a new Anthropic generator. Returns an error if the API key is missing.
func New(cfg Config) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, nemerr.New(nemerr.CodeConfigValidateInvalidValue, "anthropic: missing api_key in config")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := anthropicsdk.Model(cfg.Model)
	if cfg.Model == "" {
		model = anthropicsdk.Model(defaultModel)
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Generator{
		client:    anthropicsdk.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Generate asks the model for a directive. The neighbor context block
// is folded into the user turn so the system prompt stays cacheable.
func (g *Generator) Generate(ctx context.Context, situation string, contextBlock string) (provider.Directive, error) {
	if situation == "" {
		return provider.Directive{}, nemerr.New(nemerr.CodeServerRequestInvalid, "generate: empty situation")
	}

	var sb strings.Builder
	sb.WriteString("Situation:\n")
	sb.WriteString(situation)
	if contextBlock != "" {
		sb.WriteString("\n\nPrior outcomes:\n")
		sb.WriteString(contextBlock)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System: []anthropicsdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(sb.String())),
		},
	}

	var out provider.Directive
	err := provider.WithRetry(ctx, func() error {
		msg, err := g.client.Messages.New(ctx, params)
		if err != nil {
			return nemerr.Wrap(err, nemerr.CodeProviderGenerateUnavailable, "generation request failed")
		}
		text := collectText(msg)
		if text == "" {
			return nemerr.New(nemerr.CodeProviderResponseInvalid, "generation response contains no text")
		}
		out = provider.Directive{Text: text, Confidence: confidenceFor(msg)}
		return nil
	})
	if err != nil {
		return provider.Directive{}, err
	}
	return out, nil
}

func collectText(msg *anthropicsdk.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// confidenceFor maps the stop reason onto a coarse confidence score.
// A truncated answer is still served, at reduced weight.
func confidenceFor(msg *anthropicsdk.Message) float64 {
	switch msg.StopReason {
	case anthropicsdk.StopReasonEndTurn:
		return 0.9
	case anthropicsdk.StopReasonMaxTokens:
		return 0.5
	default:
		return 0.7
	}
}
