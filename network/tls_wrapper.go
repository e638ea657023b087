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

package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrEmptyTLSConfig returned when TLS is required but no material was configured.
var ErrEmptyTLSConfig = errors.New("empty TLS config")

// NewServerTLSConfig loads certificate material for the client-facing side.
func NewServerTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, ErrEmptyTLSConfig
	}
	certificate, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// NewUpstreamTLSConfig builds the client config used towards the upstream
// database. caPath may be empty, then only system roots are trusted.
func NewUpstreamTLSConfig(serverName, caPath string, skipVerify bool) (*tls.Config, error) {
	roots, err := x509.SystemCertPool()
	if err != nil {
		log.WithError(err).Warningln("Can't load system ca certificates")
	}
	if roots == nil {
		roots = x509.NewCertPool()
	}
	if caPath != "" {
		caPem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		if !roots.AppendCertsFromPEM(caPem) {
			return nil, errors.New("can't parse CA certificate")
		}
	}
	return &tls.Config{
		RootCAs:            roots,
		ServerName:         SNIOrHostname("", serverName),
		InsecureSkipVerify: skipVerify,
		MinVersion:         tls.VersionTLS12,
	}, nil
}

// SNIOrHostname return sni value if != "". otherwise return hostname without port
func SNIOrHostname(sni, hostname string) string {
	if sni != "" {
		return sni
	}
	colonPos := strings.LastIndex(hostname, ":")
	if colonPos == -1 {
		colonPos = len(hostname)
	}
	return hostname[:colonPos]
}
