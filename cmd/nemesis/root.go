// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root nemesis command with all subcommands
// registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nemesis",
		Short:         "Nemesis: adaptive context index and real-time delivery",
		Long:          "Nemesis serves effectiveness-weighted context retrieval and directive generation over live sessions.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)

	return root
}
