// Copyright The Amtriage Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	commoncfg "github.com/prometheus/common/config"
	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v2"

	"github.com/amtriage/amtriage/tracing"
)

// Load parses the YAML input s into a Config.
func Load(s string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict([]byte(s), cfg); err != nil {
		return nil, err
	}
	// An empty document never reaches UnmarshalYAML, so the required-section
	// check has to be repeated here.
	if cfg.Investigator == nil {
		return nil, errors.New("no investigator configuration provided")
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(string(content))
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}

// Config is the top-level configuration.
type Config struct {
	// Poll cadence and per-fetch bounds for upstream sources.
	PollInterval       model.Duration `yaml:"poll_interval,omitempty"`
	FetchTimeout       model.Duration `yaml:"fetch_timeout,omitempty"`
	MaxAlertsPerSource int            `yaml:"max_alerts_per_source,omitempty"`

	// Enrichment queue and worker pool.
	EnrichWorkers  int            `yaml:"enrich_workers,omitempty"`
	EnrichQueueCap int            `yaml:"enrich_queue_capacity,omitempty"`
	EnrichTimeout  model.Duration `yaml:"enrich_timeout,omitempty"`

	// VerifyFirstN is the number of accepted verifications a candidate rule
	// needs before it is trusted.
	VerifyFirstN int `yaml:"verify_first_n,omitempty"`

	// MaxAttempts bounds delivery attempts per notification. Destinations
	// may override it individually.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	ShutdownGrace model.Duration `yaml:"shutdown_grace,omitempty"`

	Sources      []*SourceConfig        `yaml:"sources,omitempty"`
	Destinations []*DestinationConfig   `yaml:"destinations,omitempty"`
	Investigator *InvestigatorConfig    `yaml:"investigator"`
	Tracing      *tracing.TracingConfig `yaml:"tracing,omitempty"`
}

// DefaultConfig provides the global defaults.
var DefaultConfig = Config{
	PollInterval:       model.Duration(30 * time.Second),
	FetchTimeout:       model.Duration(10 * time.Second),
	MaxAlertsPerSource: 500,
	EnrichWorkers:      4,
	EnrichQueueCap:     1024,
	EnrichTimeout:      model.Duration(90 * time.Second),
	VerifyFirstN:       5,
	MaxAttempts:        5,
	ShutdownGrace:      model.Duration(10 * time.Second),
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Config.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultConfig
	type plain Config
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("fetch_timeout must be positive")
	}
	if c.MaxAlertsPerSource <= 0 {
		return errors.New("max_alerts_per_source must be positive")
	}
	if c.EnrichWorkers <= 0 {
		return errors.New("enrich_workers must be positive")
	}
	if c.EnrichQueueCap <= 0 {
		return errors.New("enrich_queue_capacity must be positive")
	}
	if c.EnrichTimeout <= 0 {
		return errors.New("enrich_timeout must be positive")
	}
	if c.VerifyFirstN <= 0 {
		return errors.New("verify_first_n must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("max_attempts must be positive")
	}
	if c.ShutdownGrace <= 0 {
		return errors.New("shutdown_grace must be positive")
	}
	if c.Investigator == nil {
		return errors.New("no investigator configuration provided")
	}

	ids := map[string]struct{}{}
	for _, src := range c.Sources {
		if _, ok := ids[src.ID]; ok {
			return fmt.Errorf("source id %q is not unique", src.ID)
		}
		ids[src.ID] = struct{}{}
		if src.Timeout == 0 {
			src.Timeout = c.FetchTimeout
		}
	}

	names := map[string]struct{}{}
	for _, dst := range c.Destinations {
		if _, ok := names[dst.Name]; ok {
			return fmt.Errorf("destination name %q is not unique", dst.Name)
		}
		names[dst.Name] = struct{}{}
		if dst.MaxAttempts == 0 {
			dst.MaxAttempts = c.MaxAttempts
		}
	}

	return nil
}

// Transport selects how a source is reached.
type Transport string

const (
	TransportDirect  Transport = "direct_http"
	TransportProxied Transport = "proxied"
)

// SourceConfig describes one upstream Alertmanager to poll.
type SourceConfig struct {
	ID        string         `yaml:"id"`
	URL       *URL           `yaml:"url"`
	Transport Transport      `yaml:"transport,omitempty"`
	ProxyURL  *URL           `yaml:"proxy_url,omitempty"`
	Timeout   model.Duration `yaml:"timeout,omitempty"`

	// Fetch filter. Silenced and inhibited alerts are excluded unless
	// explicitly requested; resolved alerts are excluded while OnlyFiring
	// holds.
	OnlyFiring bool      `yaml:"only_firing"`
	Silenced   bool      `yaml:"silenced,omitempty"`
	Inhibited  bool      `yaml:"inhibited,omitempty"`
	Matchers   []Matcher `yaml:"matchers,omitempty"`

	HTTPConfig *commoncfg.HTTPClientConfig `yaml:"http_config,omitempty"`
}

// DefaultSourceConfig provides the per-source defaults.
var DefaultSourceConfig = SourceConfig{
	Transport:  TransportDirect,
	OnlyFiring: true,
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for SourceConfig.
func (c *SourceConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultSourceConfig
	type plain SourceConfig
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	if c.ID == "" {
		return errors.New("source id missing")
	}
	if c.URL == nil {
		return fmt.Errorf("no url set for source %q", c.ID)
	}
	switch c.Transport {
	case TransportDirect:
		if c.ProxyURL != nil {
			return fmt.Errorf("proxy_url set for source %q with direct_http transport", c.ID)
		}
	case TransportProxied:
		if c.ProxyURL == nil {
			return fmt.Errorf("no proxy_url set for proxied source %q", c.ID)
		}
	default:
		return fmt.Errorf("invalid transport %q for source %q", c.Transport, c.ID)
	}

	return nil
}

// DestinationType enumerates the supported destination kinds.
type DestinationType string

const (
	DestinationChat    DestinationType = "chat"
	DestinationRelay   DestinationType = "relay"
	DestinationWebhook DestinationType = "webhook"
)

// DestinationConfig describes one delivery target for enriched alerts.
type DestinationConfig struct {
	Name        string          `yaml:"name"`
	Type        DestinationType `yaml:"type"`
	URL         *SecretURL      `yaml:"url"`
	Timeout     model.Duration  `yaml:"timeout,omitempty"`
	MaxAttempts int             `yaml:"max_attempts,omitempty"`

	// Chat presentation knobs, ignored by the other destination types.
	Channel          string `yaml:"channel,omitempty"`
	Username         string `yaml:"username,omitempty"`
	MaxEvidenceLines int    `yaml:"max_evidence_lines,omitempty"`

	HTTPConfig *commoncfg.HTTPClientConfig `yaml:"http_config,omitempty"`
}

// DefaultDestinationConfig provides the per-destination defaults.
// MaxAttempts zero means "inherit the global value".
var DefaultDestinationConfig = DestinationConfig{
	Timeout:          model.Duration(15 * time.Second),
	MaxEvidenceLines: 4,
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for DestinationConfig.
func (c *DestinationConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultDestinationConfig
	type plain DestinationConfig
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	if c.Name == "" {
		return errors.New("destination name missing")
	}
	switch c.Type {
	case DestinationChat, DestinationRelay, DestinationWebhook:
	default:
		return fmt.Errorf("invalid type %q for destination %q", c.Type, c.Name)
	}
	if c.URL == nil {
		return fmt.Errorf("no url set for destination %q", c.Name)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive for destination %q", c.Name)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative for destination %q", c.Name)
	}
	if c.MaxEvidenceLines < 0 {
		return fmt.Errorf("max_evidence_lines must not be negative for destination %q", c.Name)
	}

	return nil
}

// InvestigatorConfig describes the external investigator service that
// produces enrichments and verifies groupings.
type InvestigatorConfig struct {
	URL        *URL                        `yaml:"url"`
	Timeout    model.Duration              `yaml:"timeout,omitempty"`
	HTTPConfig *commoncfg.HTTPClientConfig `yaml:"http_config,omitempty"`
}

// DefaultInvestigatorConfig provides the investigator defaults.
var DefaultInvestigatorConfig = InvestigatorConfig{
	Timeout: model.Duration(90 * time.Second),
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for InvestigatorConfig.
func (c *InvestigatorConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultInvestigatorConfig
	type plain InvestigatorConfig
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	if c.URL == nil {
		return errors.New("no url set for investigator")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive for investigator")
	}

	return nil
}
