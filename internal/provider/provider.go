// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package provider

import (
	"context"
	"time"

	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

// Embedder turns free text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Directive is the guidance produced for one situation. Confidence is
// the model's own estimate in [0, 1]; Fallback marks directives built
// locally when no generator was reachable.
type Directive struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Fallback   bool    `json:"fallback,omitempty"`
}

// Generator produces a directive from a situation description and the
// retrieved neighbor payloads rendered as context.
type Generator interface {
	Generate(ctx context.Context, situation string, contextBlock string) (Directive, error)
}

// FallbackDirective is served when generation fails so a live session
// always receives an answer.
func FallbackDirective() Directive {
	return Directive{
		Text:       "No guidance available for this situation; proceed with the current strategy.",
		Confidence: 0,
		Fallback:   true,
	}
}

const (
	retryAttempts = 3
	retryBaseWait = 200 * time.Millisecond
)

// WithRetry runs fn up to retryAttempts times with exponential backoff.
// Invalid-input errors are terminal and returned immediately.
func WithRetry(ctx context.Context, fn func() error) error {
	var err error
	wait := retryBaseWait
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if nemerr.IsInvalidInput(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
