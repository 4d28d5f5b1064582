// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"strings"

	"git.arvados.org/rmcore.git/sdk/go/rm"
	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestDump(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `Clusters: {"z1111": {"ManagementToken": "abc"}}`
	code := DumpCommand.RunCommand("rmcore config-dump", []string{"-config", "-"}, strings.NewReader(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
	var cfg rm.Config
	c.Assert(yaml.Unmarshal(stdout.Bytes(), &cfg), check.IsNil)
	c.Check(cfg.Clusters["z1111"].ManagementToken, check.Equals, "abc")
	c.Check(cfg.Clusters["z1111"].NodeSource.Driver, check.Equals, "loopback")
}

func (s *CommandSuite) TestDumpBadArgs(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("rmcore config-dump", []string{"-badarg"}, strings.NewReader(""), &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*-badarg.*`)
}

func (s *CommandSuite) TestCheck(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `Clusters: {"z1111": {"ManagementToken": "abc"}}`
	code := CheckCommand.RunCommand("rmcore config-check", []string{"-config", "-"}, strings.NewReader(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CommandSuite) TestCheckUnknownKey(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `Clusters: {"z1111": {"ManagementTokens": "abc"}}`
	code := CheckCommand.RunCommand("rmcore config-check", []string{"-config", "-"}, strings.NewReader(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Equals, "deprecated or unknown config entry: Clusters.z1111.ManagementTokens\n")
}

func (s *CommandSuite) TestCheckInvalid(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `Clusters: {"z1111": {"NodeSource": {"Name": ""}}}`
	code := CheckCommand.RunCommand("rmcore config-check", []string{"-config", "-"}, strings.NewReader(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `.*NodeSource.Name "" must be non-empty.*\n`)
}
