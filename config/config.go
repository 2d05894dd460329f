// Package config loads the service configuration from a JSON or YAML file
// with optional environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/smartenergy/schedulerd/core/dispatch"
	"github.com/smartenergy/schedulerd/core/metrics"
	"github.com/smartenergy/schedulerd/infra/mqtt"
	"github.com/smartenergy/schedulerd/infra/nats"
	"github.com/smartenergy/schedulerd/infra/postgres"
)

// Transport kinds selectable in the config file.
const (
	TransportNATS = "nats"
	TransportMQTT = "mqtt"
)

// TransportConfig selects and configures the broker connection.
type TransportConfig struct {
	Kind string      `json:"kind"`
	NATS nats.Config `json:"nats"`
	MQTT mqtt.Config `json:"mqtt"`
}

// SetDefaults applies sane defaults.
func (c *TransportConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = TransportNATS
	}
}

// Validate checks mandatory fields.
func (c TransportConfig) Validate() error {
	switch c.Kind {
	case TransportNATS, TransportMQTT:
		return nil
	default:
		return fmt.Errorf("unknown transport kind %s", c.Kind)
	}
}

type Config struct {
	Database  postgres.Config `json:"database"`
	Transport TransportConfig `json:"transport"`
	Dispatch  dispatch.Config `json:"dispatch"`
	Metrics   metrics.Config  `json:"metrics"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("SCHED_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "sched_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Database.SetDefaults()
	cfg.Transport.SetDefaults()
	cfg.Dispatch.SetDefaults()
	cfg.Metrics.SetDefaults()
	if err := cfg.Database.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Transport.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
