// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/rmcore.git/lib/cmd"
	"git.arvados.org/rmcore.git/lib/config"
	"git.arvados.org/rmcore.git/lib/rmcore"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"config-check": config.CheckCommand,
		"config-dump":  config.DumpCommand,
		"server":       rmcore.Command,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
