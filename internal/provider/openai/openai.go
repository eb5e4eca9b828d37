// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package openai

import (
	"context"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nemesis-dev/nemesis/internal/provider"
	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

// DefaultDimension matches text-embedding-ada-002 output.
const DefaultDimension = 1536

// Config holds OpenAI embedder configuration.
type Config struct {
	APIKey    string
	BaseURL   string // optional, useful for testing against a mock server
	Model     string
	Dimension int
}

// Embedder implements provider.Embedder using the OpenAI Embeddings API.
type Embedder struct {
	client openaisdk.Client
	model  openaisdk.EmbeddingModel
	dim    int
}

var _ provider.Embedder = (*Embedder)(nil)

// New creates a new OpenAI embedder. Returns an error if the API key is missing.
func New(cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, nemerr.New(nemerr.CodeConfigValidateInvalidValue, "openai: missing api_key in config")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := openaisdk.EmbeddingModel(cfg.Model)
	if cfg.Model == "" {
		model = openaisdk.EmbeddingModelTextEmbeddingAda002
	}
	dim := cfg.Dimension
	if dim <= 0 {
		dim = DefaultDimension
	}

	return &Embedder{
		client: openaisdk.NewClient(opts...),
		model:  model,
		dim:    dim,
	}, nil
}

func (e *Embedder) Dimension() int { return e.dim }

// Embed requests one embedding for text. Retries transient failures;
// an empty input is rejected without a round trip.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nemerr.New(nemerr.CodeServerRequestInvalid, "embed: empty input text")
	}

	var vec []float32
	err := provider.WithRetry(ctx, func() error {
		resp, err := e.client.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
			Input: openaisdk.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: []string{text},
			},
			Model: e.model,
		})
		if err != nil {
			return nemerr.Wrap(err, nemerr.CodeProviderEmbedUnavailable, "embedding request failed")
		}
		if len(resp.Data) == 0 {
			return nemerr.New(nemerr.CodeProviderResponseInvalid, "embedding response contains no data")
		}
		raw := resp.Data[0].Embedding
		if len(raw) != e.dim {
			return nemerr.New(nemerr.CodeProviderResponseInvalid, "embedding dimension mismatch",
				nemerr.Field("want", e.dim), nemerr.Field("got", len(raw)))
		}
		vec = make([]float32, len(raw))
		for i, v := range raw {
			vec[i] = float32(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}
