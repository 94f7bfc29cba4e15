// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

// Package app provides the entry point for the credmgr command-line
// application.
package app

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "credmgr",
	DisableAutoGenTag: true,
	Short:             "credmgr is the FABRIC credential manager",
	Long: `credmgr brokers FABRIC identity tokens: it exchanges upstream CILogon
identities for testbed-scoped tokens enriched with project memberships,
and manages their lifecycle (refresh, revoke, list, delete, validate).`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		_ = cmd.Help()
	},
}

// NewRootCmd creates a new root command for the credmgr CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}
