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

// ironveil-server is a transparent PII-masking proxy for PostgreSQL and
// MySQL. It accepts native database clients, relays their traffic to the
// upstream server and rewrites PII in result sets according to configured
// masking rules.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cossacklabs/ironveil/api"
	"github.com/cossacklabs/ironveil/cmd"
	"github.com/cossacklabs/ironveil/config"
	"github.com/cossacklabs/ironveil/health"
	"github.com/cossacklabs/ironveil/logging"
	"github.com/cossacklabs/ironveil/masker/base"
	"github.com/cossacklabs/ironveil/network"
	"github.com/cossacklabs/ironveil/utils"
	log "github.com/sirupsen/logrus"
)

// ServiceName used in logs, metrics and the default config path.
const ServiceName = "ironveil-server"

// DefaultShutdownTimeout bounds the graceful drain.
const DefaultShutdownTimeout = 10

var defaultConfigPath = utils.GetConfigPathByName(ServiceName)

func main() {
	serverConfig := NewConfig()
	loggingFormat := flag.String("logging_format", "plaintext", "Logging format: plaintext or json")
	logging.CustomizeLogging(*loggingFormat, ServiceName)
	log.Infof("Starting service %v", ServiceName)

	dbHost := flag.String("db_host", "", "Host of the upstream database")
	dbPort := flag.Int("db_port", 5432, "Port of the upstream database")
	useMysql := flag.Bool("mysql_enable", false, "Handle MySQL connections")
	usePostgresql := flag.Bool("postgresql_enable", false, "Handle PostgreSQL connections (default true)")

	host := flag.String("incoming_connection_host", "0.0.0.0", "Host for the proxy listener")
	port := flag.Int("incoming_connection_port", 6543, "Port for the proxy listener")
	connectionString := flag.String("incoming_connection_string", "", "Connection string like tcp://x.x.x.x:yyyy, overrides host/port")
	apiConnectionString := flag.String("incoming_connection_api_string", "tcp://127.0.0.1:6780/", "Connection string for the management HTTP API")
	enableHTTPAPI := flag.Bool("http_api_enable", false, "Enable management HTTP API")
	prometheusAddress := flag.String("incoming_connection_prometheus_metrics_string", "", "URL of prometheus server that expects to export metrics, empty turns exporting off")

	maskingConfigPath := flag.String("masking_config_file", "configs/masking.yaml", "Path to the masking rules document")
	healthCheckDSN := flag.String("health_check_dsn", "", "Optional DSN with credentials for SQL health probes, empty falls back to TCP probes")

	tlsCert := flag.String("tls_cert", "", "Path to TLS certificate presented to clients, overrides the config document")
	tlsKey := flag.String("tls_key", "", "Path to TLS private key presented to clients, overrides the config document")
	tlsCA := flag.String("tls_ca", "", "Path to additional CA certificate for verifying the upstream database")
	tlsSkipVerify := flag.Bool("tls_database_insecure_skip_verify", false, "Don't verify the upstream database certificate")

	closeConnectionsTimeout := flag.Int("incoming_connection_close_timeout", DefaultShutdownTimeout, "Time in seconds to wait on shutdown before force-closing connections")
	verbose := flag.Bool("v", false, "Log to stderr all INFO, WARNING and ERROR logs")
	debug := flag.Bool("d", false, "Turn on debug logging")

	cmd.RegisterTracingCmdParameters()

	if err := cmd.Parse(defaultConfigPath); err != nil {
		log.WithError(err).Errorln("Can't parse args")
		os.Exit(1)
	}

	// if log format was overridden
	logging.CustomizeLogging(*loggingFormat, ServiceName)
	if *debug {
		logging.SetLogLevel(logging.LogDebug)
	} else if *verbose {
		logging.SetLogLevel(logging.LogVerbose)
	} else {
		logging.SetLogLevel(logging.LogDiscard)
	}

	if *dbHost == "" {
		log.Errorln("db_host is empty: you must specify db_host")
		flag.Usage()
		os.Exit(1)
	}
	if *useMysql && *usePostgresql {
		log.Errorln("Only one of mysql_enable and postgresql_enable may be set")
		os.Exit(1)
	}

	appConfig, err := config.LoadConfig(*maskingConfigPath)
	if err != nil {
		log.WithError(err).Errorf("Can't load masking configuration from %s", *maskingConfigPath)
		os.Exit(1)
	}

	serverConfig.dbHost = *dbHost
	serverConfig.dbPort = *dbPort
	serverConfig.useMysql = *useMysql
	serverConfig.enableHTTPAPI = *enableHTTPAPI
	serverConfig.apiConnectionString = *apiConnectionString
	serverConfig.maskingConfigPath = *maskingConfigPath
	serverConfig.appConfig = appConfig
	serverConfig.store = config.NewStore(appConfig)
	serverConfig.shutdownTimeout = time.Duration(*closeConnectionsTimeout) * time.Second
	serverConfig.healthCheckDSN = *healthCheckDSN
	serverConfig.debug = *debug
	if *connectionString != "" {
		serverConfig.proxyConnectionString = *connectionString
	} else {
		serverConfig.proxyConnectionString = network.BuildConnectionString("tcp", *host, *port, "")
	}

	// flags override the document's TLS section
	certPath, keyPath := *tlsCert, *tlsKey
	if certPath == "" && appConfig.TLS != nil && appConfig.TLS.Enabled {
		certPath, keyPath = appConfig.TLS.CertPath, appConfig.TLS.KeyPath
	}
	if certPath != "" || keyPath != "" {
		clientTLSConfig, err := network.NewServerTLSConfig(certPath, keyPath)
		if err != nil {
			log.WithError(err).Errorln("Configuration error: can't load TLS material")
			os.Exit(1)
		}
		serverConfig.clientTLSConfig = clientTLSConfig
	}
	if appConfig.UpstreamTLS {
		dbTLSConfig, err := network.NewUpstreamTLSConfig(*dbHost, *tlsCA, *tlsSkipVerify)
		if err != nil {
			log.WithError(err).Errorln("Configuration error: can't build upstream TLS config")
			os.Exit(1)
		}
		serverConfig.dbTLSConfig = dbTLSConfig
	}

	base.RegisterProxyMetrics()
	if *prometheusAddress != "" {
		if _, _, err := cmd.RunPrometheusHTTPHandler(*prometheusAddress); err != nil {
			log.WithError(err).Errorln("Can't start prometheus metrics handler")
			os.Exit(1)
		}
	}
	if err := cmd.SetupTracing(ServiceName); err != nil {
		log.WithError(err).Errorln("Can't setup tracing")
		os.Exit(1)
	}

	sigHandlerSIGTERM, err := cmd.NewSignalHandler([]os.Signal{os.Interrupt, syscall.SIGTERM})
	if err != nil {
		log.WithError(err).Errorln("System error: can't register SIGTERM handler")
		os.Exit(1)
	}
	errorSignalChannel := sigHandlerSIGTERM.GetChannel()

	server, err := NewServer(serverConfig, errorSignalChannel)
	if err != nil {
		log.WithError(err).Errorf("System error: can't start %s", ServiceName)
		os.Exit(1)
	}

	serverCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var checker *health.Checker
	if serverConfig.HealthCheckEnabled() {
		probe := health.TCPProbe(serverConfig.UpstreamConnectionString())
		if serverConfig.healthCheckDSN != "" {
			probe = health.SQLProbe(serverConfig.HealthCheckDriver(), serverConfig.healthCheckDSN)
		}
		checker = health.NewChecker(appConfig.HealthCheck, probe)
		go checker.Start(serverCtx)
	}

	if serverConfig.enableHTTPAPI {
		apiServer := api.NewServer(api.Dependencies{
			AppConfig:   appConfig,
			Store:       serverConfig.store,
			ConfigPath:  serverConfig.maskingConfigPath,
			Events:      server.Events(),
			Connections: server.ConnectionManager(),
			Checker:     checker,
		})
		go func() {
			if err := apiServer.Run(serverConfig.apiConnectionString); err != nil {
				log.WithError(err).Errorln("Management API stopped")
			}
		}()
	}

	sigHandlerSIGTERM.AddCallback(func() {
		log.Infof("Received incoming SIGTERM or SIGINT signal")
		server.Drain()
		if err := server.WaitWithTimeout(serverConfig.shutdownTimeout); err == ErrWaitTimeout {
			log.Warningf("Server shutdown timeout: %d active connections will be cut", server.ConnectionsCounter())
			server.Close()
			os.Exit(1)
		}
		server.Close()
		log.Infof("Server graceful shutdown completed, bye PID: %v", os.Getpid())
		os.Exit(0)
	})

	// SIGHUP reloads the masking rules document, keeping the old snapshot on failure
	sighupChannel := make(chan os.Signal, 1)
	signal.Notify(sighupChannel, syscall.SIGHUP)
	go func() {
		for range sighupChannel {
			newConfig, err := config.LoadConfig(serverConfig.maskingConfigPath)
			if err != nil {
				base.ConfigReloadCounter.WithLabelValues(base.LabelStatusFail).Inc()
				log.WithError(err).Errorln("Config reload rejected, keep previous snapshot")
				continue
			}
			serverConfig.store.Replace(newConfig)
			base.ConfigReloadCounter.WithLabelValues(base.LabelStatusSuccess).Inc()
			log.WithField("rules", len(newConfig.Rules)).Infoln("Configuration reloaded on SIGHUP")
		}
	}()

	mode := "postgresql"
	if serverConfig.useMysql {
		mode = "mysql"
	}
	log.Infof("Start listening to connections in %s mode. Current PID: %v", mode, os.Getpid())
	go server.Start()
	sigHandlerSIGTERM.Register()
}
