// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package openai_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemesis-dev/nemesis/internal/provider/openai"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := openai.New(openai.Config{})
	require.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	e, err := openai.New(openai.Config{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, openai.DefaultDimension, e.Dimension())
}

func TestNew_CustomDimension(t *testing.T) {
	e, err := openai.New(openai.Config{APIKey: "sk-test", Model: "text-embedding-3-small", Dimension: 256})
	require.NoError(t, err)
	assert.Equal(t, 256, e.Dimension())
}

func TestEmbed_RejectsEmptyInput(t *testing.T) {
	e, err := openai.New(openai.Config{APIKey: "sk-test"})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "")
	require.Error(t, err)
}
