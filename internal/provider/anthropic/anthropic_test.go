// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package anthropic_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nemesis-dev/nemesis/internal/provider/anthropic"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := anthropic.New(anthropic.Config{})
	require.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	g, err := anthropic.New(anthropic.Config{APIKey: "sk-test"})
	require.NoError(t, err)
	require.NotNil(t, g)
}

func TestGenerate_RejectsEmptySituation(t *testing.T) {
	g, err := anthropic.New(anthropic.Config{APIKey: "sk-test"})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), "", "")
	require.Error(t, err)
}
