// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"git.arvados.org/rmcore.git/lib/cmd"
	"git.arvados.org/rmcore.git/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// DumpCommand prints the loaded configuration, with defaults filled
// in, as YAML.
var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	loader := NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

// CheckCommand loads the configuration and exits non-zero if it is
// invalid or has unknown entries.
var CheckCommand checkCommand

type checkCommand struct{}

func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	logger := &plainLogger{}
	loader := NewLoader(stdin, logrus.NewEntry(&logrus.Logger{
		Out:       stderr,
		Formatter: logger,
		Hooks:     logrus.LevelHooks{},
		Level:     logrus.InfoLevel,
	}))
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	_, err = loader.Load()
	if err != nil {
		return 1
	}
	if logger.used {
		return 1
	}
	return 0
}

// plainLogger formats log entries as bare messages, and records
// whether anything was logged.
type plainLogger struct {
	used bool
}

func (pl *plainLogger) Format(entry *logrus.Entry) ([]byte, error) {
	pl.used = true
	return []byte(entry.Message + "\n"), nil
}
