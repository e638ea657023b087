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
	"net"
	"net/http"

	"github.com/cossacklabs/ironveil/network"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RunPrometheusHTTPHandler runs an http server in a goroutine that exports
// prometheus metrics on connectionString.
func RunPrometheusHTTPHandler(connectionString string) (net.Listener, *http.Server, error) {
	listener, err := network.Listen(connectionString)
	if err != nil {
		return nil, nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  network.DefaultNetworkTimeout,
		WriteTimeout: network.DefaultNetworkTimeout,
	}
	go func() {
		logrus.WithField("connection_string", connectionString).Infoln("Start prometheus http handler")
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Errorln("Error from HTTP server that serves prometheus metrics")
		}
	}()
	return listener, server, nil
}
