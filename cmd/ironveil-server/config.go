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

package main

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/cossacklabs/ironveil/config"
)

// Config collects the effective server settings from flags and the masking
// configuration document.
type Config struct {
	// upstream database
	dbHost   string
	dbPort   int
	useMysql bool

	proxyConnectionString string
	apiConnectionString   string
	enableHTTPAPI         bool

	maskingConfigPath string
	appConfig         *config.AppConfig
	store             *config.Store

	clientTLSConfig *tls.Config
	dbTLSConfig     *tls.Config

	shutdownTimeout time.Duration
	healthCheckDSN  string
	debug           bool
}

// NewConfig returns empty server config.
func NewConfig() *Config {
	return &Config{}
}

// UpstreamConnectionString returns the upstream address in connection string form.
func (serverConfig *Config) UpstreamConnectionString() string {
	return fmt.Sprintf("tcp://%s:%d/", serverConfig.dbHost, serverConfig.dbPort)
}

// HealthCheckEnabled reports whether the health checker should run.
func (serverConfig *Config) HealthCheckEnabled() bool {
	settings := serverConfig.appConfig.HealthCheck
	return settings == nil || settings.Enabled
}

// HealthCheckDriver returns the database/sql driver for SQL probes.
func (serverConfig *Config) HealthCheckDriver() string {
	if serverConfig.useMysql {
		return "mysql"
	}
	return "postgres"
}
