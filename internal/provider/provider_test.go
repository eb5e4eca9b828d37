// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package provider_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemesis-dev/nemesis/internal/provider"
	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := provider.WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return nemerr.New(nemerr.CodeProviderEmbedUnavailable, "flaky upstream")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := provider.WithRetry(context.Background(), func() error {
		calls++
		return nemerr.New(nemerr.CodeProviderGenerateUnavailable, "hard down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, nemerr.IsUnavailable(err))
}

func TestWithRetry_InvalidInputIsTerminal(t *testing.T) {
	calls := 0
	err := provider.WithRetry(context.Background(), func() error {
		calls++
		return nemerr.New(nemerr.CodeServerRequestInvalid, "bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "invalid input must not be retried")
}

func TestWithRetry_ContextCancelStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := provider.WithRetry(ctx, func() error {
		return nemerr.New(nemerr.CodeProviderEmbedUnavailable, "down")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFallbackDirective(t *testing.T) {
	d := provider.FallbackDirective()
	assert.True(t, d.Fallback)
	assert.Zero(t, d.Confidence)
	assert.NotEmpty(t, d.Text)
}
