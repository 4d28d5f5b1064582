// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"git.arvados.org/rmcore.git/sdk/go/rm"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

const DefaultConfigFile = "/etc/rmcore/config.yml"

var ErrNoClustersDefined = errors.New("config does not define any clusters")

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	Path string
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and Path set to the RMCORE_CONFIG environment
// variable if it is set, otherwise DefaultConfigFile.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger, Path: DefaultConfigFile}
	if path := os.Getenv("RMCORE_CONFIG"); path != "" {
		ldr.Path = path
	}
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "Site configuration `file` (default may be overridden by setting an RMCORE_CONFIG environment variable)")
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Load reads the configuration file at Path ("-" means stdin),
// fills in defaults, and checks it.
func (ldr *Loader) Load() (*rm.Config, error) {
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*rm.Config, error) {
	// Load the config into a dummy map to get the cluster ID
	// keys, discarding the values; then set up defaults for each
	// cluster ID; then load the real config on top of the
	// defaults.
	var dummy struct {
		Clusters map[string]struct{}
	}
	err := yaml.Unmarshal(buf, &dummy)
	if err != nil {
		return nil, err
	}
	if len(dummy.Clusters) == 0 {
		return nil, ErrNoClustersDefined
	}

	// We can't merge deep structs here; instead, we unmarshal the
	// default & loaded config files into generic maps, merge
	// those, and then json-encode+decode the result into the
	// config struct type.
	var merged map[string]interface{}
	for id := range dummy.Clusters {
		var src map[string]interface{}
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte(" xxxxx:"), []byte(" "+id+":"), -1), &src)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %s", id, err)
		}
		mergeConfig(&merged, src)
	}
	var src map[string]interface{}
	err = yaml.Unmarshal(buf, &src)
	if err != nil {
		return nil, fmt.Errorf("loading config data: %s", err)
	}
	ldr.logExtraKeys(merged, src, "")
	mergeConfig(&merged, src)

	var cfg rm.Config
	j, err := yaml.Marshal(merged)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(j, &cfg)
	if err != nil {
		return nil, fmt.Errorf("transcoding config data: %s", err)
	}

	for id, cc := range cfg.Clusters {
		cc.ClusterID = id
		if err := checkClusterID(id); err != nil {
			return nil, err
		}
		if err := checkNodeSource(id, cc.NodeSource); err != nil {
			return nil, err
		}
		cfg.Clusters[id] = cc
	}
	return &cfg, nil
}

var acceptableClusterIDRe = regexp.MustCompile(`^[a-z0-9]{5}$`)

func checkClusterID(id string) error {
	if !acceptableClusterIDRe.MatchString(id) {
		return fmt.Errorf("cluster ID %q must be 5 lowercase alphanumeric characters", id)
	}
	return nil
}

func checkNodeSource(id string, ns rm.NodeSourceConfig) error {
	label := "Clusters." + id + ".NodeSource"
	if ns.Name == "" || strings.ContainsAny(ns.Name, "/ \t\n") {
		return fmt.Errorf("%s.Name %q must be non-empty and contain no slashes or whitespace", label, ns.Name)
	}
	if ns.Driver == "" {
		return fmt.Errorf("%s.Driver must not be empty", label)
	}
	seen := map[string]bool{}
	for i, h := range ns.Hosts {
		if h.Address == "" {
			return fmt.Errorf("%s.Hosts[%d].Address must not be empty", label, i)
		}
		if seen[h.Address] {
			return fmt.Errorf("%s.Hosts[%d].Address %q is listed more than once", label, i, h.Address)
		}
		seen[h.Address] = true
		if h.Nodes < 0 {
			return fmt.Errorf("%s.Hosts[%d].Nodes must not be negative", label, i)
		}
	}
	if ns.ProvisioningRetries < -1 {
		return fmt.Errorf("%s.ProvisioningRetries must be -1 (unlimited) or more", label)
	}
	if ns.NodeTimeout < 0 || ns.WaitBetweenDeploymentFailures < 0 || ns.AcquireInterval < 0 {
		return fmt.Errorf("%s durations must not be negative", label)
	}
	return nil
}

// mergeConfig merges src into *dst, recursing into nested maps.
// Values in src replace values in *dst, except that maps are merged
// key by key.
func mergeConfig(dst *map[string]interface{}, src map[string]interface{}) {
	if *dst == nil {
		*dst = map[string]interface{}{}
	}
	for k, v := range src {
		srcmap, srcIsMap := v.(map[string]interface{})
		dstmap, dstIsMap := (*dst)[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			mergeConfig(&dstmap, srcmap)
			(*dst)[k] = dstmap
		} else {
			(*dst)[k] = v
		}
	}
}

// logExtraKeys logs a warning for each key in src that has no
// counterpart in the defaults.
func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	if ldr.Logger == nil {
		return
	}
	var keys []string
	for k := range supplied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vsupp := supplied[k]
		vexp, ok := expected[k]
		if !ok {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s", prefix, k)
			continue
		}
		if strings.HasSuffix(prefix, ".NodeSource.") && k == "DriverParameters" {
			// Driver-specific, checked by the driver.
			continue
		}
		if vsupp, ok := vsupp.(map[string]interface{}); ok {
			if vexp, ok := vexp.(map[string]interface{}); ok {
				ldr.logExtraKeys(vexp, vsupp, prefix+k+".")
			}
		}
	}
}
