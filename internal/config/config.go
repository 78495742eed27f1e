// Package config aggregates every subsystem's yaml-tagged configuration
// struct behind one root Config and a Load function, mirroring the
// teacher's single-root-struct config loader: a host process reads one
// YAML file on disk, decodes it into Config, and passes the subsystem
// structs straight into each package's constructor.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arawn/arawn/internal/agent"
	"github.com/arawn/arawn/internal/compactor"
	"github.com/arawn/arawn/internal/indexer"
	"github.com/arawn/arawn/internal/memory"
	"github.com/arawn/arawn/internal/sessioncache"
	"github.com/arawn/arawn/internal/subagent"
)

// Config is the root configuration document for an Arawn process: one turn
// engine, one memory store, one session cache, one compactor, one indexer,
// and the subagents it may delegate to.
type Config struct {
	Loop      agent.LoopConfig       `yaml:"loop"`
	Executor  agent.ExecutorConfig   `yaml:"executor"`
	Memory    memory.Config          `yaml:"memory"`
	Sessions  sessioncache.Config    `yaml:"sessions"`
	Compactor compactor.Config       `yaml:"compactor"`
	Indexer   indexer.Config         `yaml:"indexer"`
	Subagents subagent.Config        `yaml:"subagents"`
	Agents    []subagent.AgentConfig `yaml:"agents"`
}

// Load reads path, expands ${VAR}/$VAR environment references the way the
// teacher's loader does, and decodes exactly one YAML document into Config.
// A second document in the same file is rejected rather than silently
// ignored.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single YAML document")
	}

	return &cfg, nil
}
