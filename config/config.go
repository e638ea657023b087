/*
Copyright 2024, Cossack Labs Limited

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the masking configuration document and
// exposes it to the data path as an immutable, atomically swapped snapshot.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Defaults applied when the document leaves limits unset.
const (
	DefaultMaxConnections      = 256
	DefaultConnectTimeout      = 5 * time.Second
	DefaultIdleTimeout         = 5 * time.Minute
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultHealthCheckTimeout  = 3 * time.Second
	DefaultUnhealthyThreshold  = 3
	DefaultHealthyThreshold    = 1
)

// Configuration load errors.
var (
	ErrNoRulesSection = errors.New("config: missing 'rules' section")
	ErrNoTLSMaterial  = errors.New("config: tls enabled without cert_path/key_path")
	ErrInvalidLimits  = errors.New("config: limits values must not be negative")
)

// MaskingRule binds a strategy to a column, optionally scoped to one table.
// A rule without a table is global.
type MaskingRule struct {
	Table    string `yaml:"table,omitempty" json:"table,omitempty"`
	Column   string `yaml:"column" json:"column"`
	Strategy string `yaml:"strategy" json:"strategy"`
}

// TLSConfig describes client-facing TLS material.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertPath string `yaml:"cert_path" json:"cert_path"`
	KeyPath  string `yaml:"key_path" json:"key_path"`
}

// Limits bound resource usage of the proxy listener.
type Limits struct {
	MaxConnections       int `yaml:"max_connections" json:"max_connections"`
	ConnectionsPerSecond int `yaml:"connections_per_second" json:"connections_per_second"`
	ConnectTimeoutSecs   int `yaml:"connect_timeout_secs" json:"connect_timeout_secs"`
	IdleTimeoutSecs      int `yaml:"idle_timeout_secs" json:"idle_timeout_secs"`
}

// HealthCheck configures the upstream health prober.
type HealthCheck struct {
	Enabled            bool `yaml:"enabled" json:"enabled"`
	IntervalSecs       int  `yaml:"interval_secs" json:"interval_secs"`
	TimeoutSecs        int  `yaml:"timeout_secs" json:"timeout_secs"`
	UnhealthyThreshold int  `yaml:"unhealthy_threshold" json:"unhealthy_threshold"`
	HealthyThreshold   int  `yaml:"healthy_threshold" json:"healthy_threshold"`
}

// APIConfig holds management API options.
type APIConfig struct {
	APIKey string `yaml:"api_key" json:"-"`
}

// AppConfig is the root of the masking configuration document.
type AppConfig struct {
	MaskingEnabled bool          `yaml:"masking_enabled" json:"masking_enabled"`
	Rules          []MaskingRule `yaml:"rules" json:"rules"`
	TLS            *TLSConfig    `yaml:"tls,omitempty" json:"tls,omitempty"`
	UpstreamTLS    bool          `yaml:"upstream_tls" json:"upstream_tls"`
	Limits         *Limits       `yaml:"limits,omitempty" json:"limits,omitempty"`
	HealthCheck    *HealthCheck  `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	API            *APIConfig    `yaml:"api,omitempty" json:"api,omitempty"`
}

var knownStrategies = map[string]bool{
	"email":       true,
	"phone":       true,
	"address":     true,
	"credit_card": true,
	"json":        true,
	"hash":        true,
}

// LoadConfig reads, parses and validates the YAML document at path. Rules
// with unknown strategy tokens are skipped with a warning, they don't fail
// the load.
func LoadConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a YAML configuration document.
func ParseConfig(data []byte) (*AppConfig, error) {
	rawSections := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &rawSections); err != nil {
		return nil, err
	}
	if _, ok := rawSections["rules"]; !ok {
		return nil, ErrNoRulesSection
	}

	config := &AppConfig{MaskingEnabled: true}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks cross-field constraints and drops rules with unknown
// strategies or empty columns.
func (config *AppConfig) Validate() error {
	validRules := config.Rules[:0]
	for _, rule := range config.Rules {
		if rule.Column == "" {
			log.WithField("strategy", rule.Strategy).Warningln("Skip masking rule without column")
			continue
		}
		if !knownStrategies[rule.Strategy] {
			log.WithFields(log.Fields{"column": rule.Column, "strategy": rule.Strategy}).
				Warningln("Skip masking rule with unknown strategy")
			continue
		}
		validRules = append(validRules, rule)
	}
	config.Rules = validRules

	if config.TLS != nil && config.TLS.Enabled {
		if config.TLS.CertPath == "" || config.TLS.KeyPath == "" {
			return ErrNoTLSMaterial
		}
	}
	if limits := config.Limits; limits != nil {
		if limits.MaxConnections < 0 || limits.ConnectionsPerSecond < 0 ||
			limits.ConnectTimeoutSecs < 0 || limits.IdleTimeoutSecs < 0 {
			return fmt.Errorf("%w: %+v", ErrInvalidLimits, *limits)
		}
	}
	return nil
}

// MaxConnections returns the configured connection bound or the default.
func (config *AppConfig) MaxConnections() int {
	if config.Limits != nil && config.Limits.MaxConnections > 0 {
		return config.Limits.MaxConnections
	}
	return DefaultMaxConnections
}

// ConnectionsPerSecond returns the accept rate limit, 0 means unlimited.
func (config *AppConfig) ConnectionsPerSecond() int {
	if config.Limits != nil {
		return config.Limits.ConnectionsPerSecond
	}
	return 0
}

// ConnectTimeout returns the upstream dial timeout.
func (config *AppConfig) ConnectTimeout() time.Duration {
	if config.Limits != nil && config.Limits.ConnectTimeoutSecs > 0 {
		return time.Duration(config.Limits.ConnectTimeoutSecs) * time.Second
	}
	return DefaultConnectTimeout
}

// IdleTimeout returns the per-connection inactivity timeout.
func (config *AppConfig) IdleTimeout() time.Duration {
	if config.Limits != nil && config.Limits.IdleTimeoutSecs > 0 {
		return time.Duration(config.Limits.IdleTimeoutSecs) * time.Second
	}
	return DefaultIdleTimeout
}
