// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

// Package main is the entry point for the credmgr service.
package main

import (
	"os"

	"github.com/fabric-testbed/credmgr/cmd/credmgr/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
