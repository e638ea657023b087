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

package cmd

import (
	"errors"
	"flag"

	"contrib.go.opencensus.io/exporter/jaeger"
	log "github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
)

var jaegerOptions = jaeger.Options{}
var traceToJaeger = false

// ErrInvalidJaegerExporterEndpoint incorrect endpoint for jaeger
var ErrInvalidJaegerExporterEndpoint = errors.New("empty jaeger_agent_endpoint and jaeger_collector_endpoint")

// RegisterTracingCmdParameters register cli parameters with flag for tracing
func RegisterTracingCmdParameters() {
	flag.BoolVar(&traceToJaeger, "tracing_jaeger_enable", false, "Export trace data to jaeger")
	flag.StringVar(&jaegerOptions.AgentEndpoint, "jaeger_agent_endpoint", "", "Jaeger agent endpoint (for example, localhost:6831) that will be used to export trace data")
	flag.StringVar(&jaegerOptions.CollectorEndpoint, "jaeger_collector_endpoint", "", "Jaeger endpoint (for example, http://localhost:14268/api/traces) that will be used to export trace data")
	flag.StringVar(&jaegerOptions.Username, "jaeger_basic_auth_username", "", "Username used for basic auth (optional) to jaeger")
	flag.StringVar(&jaegerOptions.Password, "jaeger_basic_auth_password", "", "Password used for basic auth (optional) to jaeger")
}

// IsTraceToJaegerOn return true if turned on tracing to jaeger
func IsTraceToJaegerOn() bool {
	return traceToJaeger
}

// SetupTracing with global options related with exporters
func SetupTracing(serviceName string) error {
	if !IsTraceToJaegerOn() {
		return nil
	}
	if jaegerOptions.AgentEndpoint == "" && jaegerOptions.CollectorEndpoint == "" {
		return ErrInvalidJaegerExporterEndpoint
	}
	options := jaegerOptions
	options.ServiceName = serviceName
	exporter, err := jaeger.NewExporter(options)
	if err != nil {
		return err
	}
	trace.RegisterExporter(exporter)
	log.Debugln("Registered jaeger trace exporter")
	return nil
}
