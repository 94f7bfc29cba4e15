// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package app

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information, set via ldflags at release time.
var (
	// Version is the semantic version of this build.
	Version = "dev"

	// Commit is the git commit the build was produced from.
	Commit = "unknown"

	// BuildDate is the UTC timestamp of the build.
	BuildDate = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of credmgr",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("credmgr %s (commit %s, built %s, %s %s/%s)\n",
				Version, Commit, BuildDate,
				runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// reference identifies the build for the /version endpoint.
func reference() string {
	return fmt.Sprintf("%s@%s", Version, Commit)
}
