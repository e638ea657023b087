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

package postgresql

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cossacklabs/ironveil/logging"
	"github.com/cossacklabs/ironveil/masker/base"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
)

// ProxySettings carries everything a PgProxy needs besides its two streams.
type ProxySettings struct {
	Masker          base.ColumnMasker
	Events          *base.EventRing
	ConnectionID    uint64
	IdleTimeout     time.Duration
	Drain           <-chan struct{}
	ClientTLSConfig *tls.Config
	UpstreamTLS     bool
	DBTLSConfig     *tls.Config
}

// PgProxy relays one client↔upstream PostgreSQL session, masking DataRow
// frames on the way back to the client. Two halves run as goroutines; the
// first error or EOF on either side is delivered to errCh and the caller
// closes both streams.
type PgProxy struct {
	settings         ProxySettings
	clientConnection net.Conn
	dbConnection     net.Conn
	state            *PgProtocolState
	logger           *logrus.Entry
	ctx              context.Context
}

// NewPgProxy returns proxy over an accepted client connection and a freshly
// dialed upstream connection.
func NewPgProxy(ctx context.Context, clientConnection, dbConnection net.Conn, settings ProxySettings) *PgProxy {
	return &PgProxy{
		settings:         settings,
		clientConnection: clientConnection,
		dbConnection:     dbConnection,
		state:            NewPgProtocolState(),
		logger:           logging.GetLoggerFromContext(ctx).WithField("db", base.DBPostgresql),
		ctx:              ctx,
	}
}

func (proxy *PgProxy) draining() bool {
	if proxy.settings.Drain == nil {
		return false
	}
	select {
	case <-proxy.settings.Drain:
		return true
	default:
		return false
	}
}

func (proxy *PgProxy) resetIdleDeadline(connection net.Conn) {
	if proxy.settings.IdleTimeout > 0 {
		connection.SetReadDeadline(time.Now().Add(proxy.settings.IdleTimeout))
	}
}

// ProxyClientConnection forwards frames from the client to the upstream.
// The opening handshake is inspected for TLS requests; afterwards frames
// pass through verbatim while Parse/Bind/Execute update the shared state so
// row descriptions can be attributed to portals.
func (proxy *PgProxy) ProxyClientConnection(errCh chan<- error) {
	_, span := trace.StartSpan(proxy.ctx, "ProxyClientConnection")
	defer span.End()
	clientLog := proxy.logger.WithField("proxy", "client")

	if err := proxy.handleStartup(clientLog); err != nil {
		errCh <- err
		return
	}
	proxy.state.StartupDone()

	for {
		timer := prometheus.NewTimer(prometheus.ObserverFunc(
			base.RequestProcessingTimeHistogram.WithLabelValues(base.DBPostgresql).Observe))
		proxy.resetIdleDeadline(proxy.clientConnection)
		packet, err := ReadPacket(proxy.clientConnection)
		if err != nil {
			timer.ObserveDuration()
			errCh <- err
			return
		}

		switch {
		case packet.IsSimpleQuery():
			proxy.state.RegisterSimpleQuery()
		case packet.IsParse():
			if statement, err := ParseParseStatementName(packet.GetData()); err == nil {
				proxy.state.RegisterParse(statement, "")
			}
		case packet.IsBind():
			if portal, statement, err := ParseBindNames(packet.GetData()); err == nil {
				proxy.state.RegisterBind(portal, statement)
			}
		case packet.IsExecute():
			if portal, err := ParseExecutePortalName(packet.GetData()); err == nil {
				proxy.state.RegisterExecute(portal)
			}
		case packet.IsTerminate():
			clientLog.Debugln("Client sent Terminate")
			if _, err := proxy.dbConnection.Write(packet.Dump()); err != nil {
				clientLog.WithError(err).Debugln("Can't forward Terminate to upstream")
			}
			timer.ObserveDuration()
			errCh <- io.EOF
			return
		}

		if _, err := proxy.dbConnection.Write(packet.Dump()); err != nil {
			timer.ObserveDuration()
			errCh <- err
			return
		}
		timer.ObserveDuration()
	}
}

// handleStartup relays untyped startup-phase frames. An SSLRequest is
// answered by the proxy itself: accepted and wrapped when client TLS is
// configured, rejected otherwise. GSSAPI encryption is always rejected, the
// client falls back to the plain startup flow.
func (proxy *PgProxy) handleStartup(clientLog *logrus.Entry) error {
	for {
		proxy.resetIdleDeadline(proxy.clientConnection)
		packet, err := ReadStartupPacket(proxy.clientConnection)
		if err != nil {
			return err
		}

		switch {
		case packet.IsSSLRequest():
			if proxy.settings.ClientTLSConfig == nil {
				clientLog.Debugln("Deny SSLRequest, no TLS material configured")
				if _, err := proxy.clientConnection.Write([]byte{TLSRejected}); err != nil {
					return err
				}
				continue
			}
			if _, err := proxy.clientConnection.Write([]byte{TLSAccepted}); err != nil {
				return err
			}
			tlsConnection := tls.Server(proxy.clientConnection, proxy.settings.ClientTLSConfig)
			if err := tlsConnection.Handshake(); err != nil {
				clientLog.WithError(err).Errorln("TLS handshake with client failed")
				return err
			}
			clientLog.Debugln("Switched client connection to TLS")
			proxy.clientConnection = tlsConnection
			continue
		case packet.IsGSSENCRequest():
			if _, err := proxy.clientConnection.Write([]byte{TLSRejected}); err != nil {
				return err
			}
			continue
		case packet.IsStartupMessage():
			if err := proxy.connectUpstreamTLS(clientLog); err != nil {
				return err
			}
			if _, err := proxy.dbConnection.Write(packet.Dump()); err != nil {
				return err
			}
			return nil
		default:
			// CancelRequest and unknown codes pass through untouched
			if _, err := proxy.dbConnection.Write(packet.Dump()); err != nil {
				return err
			}
			return nil
		}
	}
}

// connectUpstreamTLS negotiates TLS with the upstream before the startup
// message is relayed, when upstream TLS is enabled.
func (proxy *PgProxy) connectUpstreamTLS(clientLog *logrus.Entry) error {
	if !proxy.settings.UpstreamTLS {
		return nil
	}
	request := make([]byte, 8)
	binary.BigEndian.PutUint32(request, 8)
	binary.BigEndian.PutUint32(request[4:], SSLRequestCode)
	if _, err := proxy.dbConnection.Write(request); err != nil {
		return err
	}
	var response [1]byte
	if err := base.ReadFull(proxy.dbConnection, response[:]); err != nil {
		return err
	}
	if response[0] != TLSAccepted {
		return fmt.Errorf("upstream rejected TLS: %q", response[0])
	}
	tlsConnection := tls.Client(proxy.dbConnection, proxy.settings.DBTLSConfig)
	if err := tlsConnection.Handshake(); err != nil {
		return err
	}
	clientLog.Debugln("Switched upstream connection to TLS")
	proxy.dbConnection = tlsConnection
	return nil
}

// ProxyDatabaseConnection decodes frames from the upstream, tracks row
// descriptions, masks data rows and forwards everything else untouched.
func (proxy *PgProxy) ProxyDatabaseConnection(errCh chan<- error) {
	_, span := trace.StartSpan(proxy.ctx, "ProxyDatabaseConnection")
	defer span.End()
	serverLog := proxy.logger.WithField("proxy", "server")

	var currentColumns []ColumnDescription
	for {
		timer := prometheus.NewTimer(prometheus.ObserverFunc(
			base.ResponseProcessingTimeHistogram.WithLabelValues(base.DBPostgresql).Observe))
		proxy.resetIdleDeadline(proxy.dbConnection)
		packet, err := ReadPacket(proxy.dbConnection)
		if err != nil {
			timer.ObserveDuration()
			errCh <- err
			return
		}

		switch {
		case packet.IsRowDescription():
			columns, err := ParseRowDescription(packet.GetData())
			if err != nil {
				serverLog.WithError(err).Warningln("Can't parse RowDescription, pass through")
				currentColumns = nil
				break
			}
			proxy.state.StoreColumns(columns)
			currentColumns = columns
		case packet.IsDataRow():
			columns := currentColumns
			if columns == nil {
				columns = proxy.state.ActivePortalColumns()
			}
			if columns != nil {
				proxy.maskDataRow(serverLog, packet, columns)
			}
		case packet.IsReadyForQuery():
			proxy.state.ReadyForQueryReceived()
			currentColumns = nil
			if proxy.draining() {
				if _, err := proxy.clientConnection.Write(packet.Dump()); err != nil {
					timer.ObserveDuration()
					errCh <- err
					return
				}
				serverLog.Debugln("Drain requested, close session at query boundary")
				timer.ObserveDuration()
				errCh <- io.EOF
				return
			}
		}

		if _, err := proxy.clientConnection.Write(packet.Dump()); err != nil {
			timer.ObserveDuration()
			errCh <- err
			return
		}
		timer.ObserveDuration()
	}
}

// maskDataRow rewrites the packet payload in place when any field changed.
// Decode or arity problems leave the frame untouched.
func (proxy *PgProxy) maskDataRow(serverLog *logrus.Entry, packet *Packet, columns []ColumnDescription) {
	values, err := ParseDataRow(packet.GetData())
	if err != nil {
		serverLog.WithError(err).Warningln("Can't parse DataRow, pass through")
		return
	}
	if len(values) != len(columns) {
		serverLog.WithFields(logrus.Fields{"values": len(values), "columns": len(columns)}).
			Warningln("DataRow arity doesn't match RowDescription, pass through")
		return
	}

	changed := false
	var details []base.MaskedFieldEvent
	for i, value := range values {
		if value == nil {
			continue
		}
		info := columns[i].ColumnInfo(i, "")
		masked, strategy, fieldChanged := proxy.settings.Masker.MaskColumn(info, value)
		if !fieldChanged {
			continue
		}
		changed = true
		details = append(details, base.MaskedFieldEvent{
			ColumnIndex: i,
			ColumnName:  info.Name,
			Strategy:    strategy,
			Original:    base.Preview(value),
			Masked:      base.Preview(masked),
		})
		values[i] = masked
	}
	if !changed {
		return
	}
	packet.SetData(EncodeDataRow(values))
	if proxy.settings.Events != nil {
		proxy.settings.Events.Add(base.MaskingEvent{
			Timestamp:    time.Now(),
			ConnectionID: proxy.settings.ConnectionID,
			EventType:    "DataMasked",
			Content:      fmt.Sprintf("Masked %d fields in DataRow", len(details)),
			Details:      details,
		})
	}
}
