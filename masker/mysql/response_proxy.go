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

package mysql

import (
	"context"
	"crypto/tls"
	"errors"
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

// Client commands the proxy reacts to.
// https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_command_phase.html
const (
	CommandQuit             byte = 0x01
	CommandQuery            byte = 0x03
	CommandStatementPrepare byte = 0x16
	CommandStatementExecute byte = 0x17
	CommandStatementClose   byte = 0x19
)

// clientWaitDbTLSHandshake is the max time in seconds to wait for the
// upstream TLS handshake after the client switched.
const clientWaitDbTLSHandshake = 5

// ErrTLSNotConfigured returned when a client requests TLS without material configured.
var ErrTLSNotConfigured = errors.New("client requested TLS but no TLS material configured")

// ProxySettings carries everything a Handler needs besides its two streams.
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

// ResponseHandler processes one upstream packet of a response flow.
type ResponseHandler func(packet *Packet, dbConnection, clientConnection net.Conn) error

// Handler relays one client↔upstream MySQL session and masks text resultset
// rows on the way back to the client.
type Handler struct {
	settings           ProxySettings
	responseHandler    ResponseHandler
	clientProtocol41   bool
	serverProtocol41   bool
	clientDeprecateEOF bool
	currentCommand     byte
	authDone           bool
	isTLSHandshake     bool
	dbTLSHandshakeDone chan bool
	clientConnection   net.Conn
	dbConnection       net.Conn
	logger             *logrus.Entry
	ctx                context.Context
}

// NewMysqlProxy returns handler over an accepted client connection and a
// freshly dialed upstream connection.
func NewMysqlProxy(ctx context.Context, clientConnection, dbConnection net.Conn, settings ProxySettings) *Handler {
	handler := &Handler{
		settings:           settings,
		dbTLSHandshakeDone: make(chan bool),
		clientConnection:   clientConnection,
		dbConnection:       dbConnection,
		logger:             logging.GetLoggerFromContext(ctx).WithField("db", base.DBMysql),
		ctx:                ctx,
	}
	handler.responseHandler = handler.defaultResponseHandler
	return handler
}

func (handler *Handler) setQueryHandler(callback ResponseHandler) {
	handler.responseHandler = callback
}

func (handler *Handler) resetQueryHandler() {
	handler.responseHandler = handler.defaultResponseHandler
}

func (handler *Handler) draining() bool {
	if handler.settings.Drain == nil {
		return false
	}
	select {
	case <-handler.settings.Drain:
		return true
	default:
		return false
	}
}

func (handler *Handler) resetIdleDeadline(connection net.Conn) {
	if handler.settings.IdleTimeout > 0 {
		connection.SetReadDeadline(time.Now().Add(handler.settings.IdleTimeout))
	}
}

func (handler *Handler) defaultResponseHandler(packet *Packet, _, clientConnection net.Conn) error {
	if !handler.authDone && (packet.IsOk() || packet.IsEOF()) {
		handler.authDone = true
	}
	if _, err := clientConnection.Write(packet.Dump()); err != nil {
		return err
	}
	return nil
}

// ProxyClientConnection forwards packets from the client to the upstream,
// tracking the command each packet carries so that the upstream half knows
// how to parse the response.
func (handler *Handler) ProxyClientConnection(errCh chan<- error) {
	_, span := trace.StartSpan(handler.ctx, "ProxyClientConnection")
	defer span.End()
	clientLog := handler.logger.WithField("proxy", "client")
	firstPacket := true
	for {
		timer := prometheus.NewTimer(prometheus.ObserverFunc(
			base.RequestProcessingTimeHistogram.WithLabelValues(base.DBMysql).Observe))
		handler.resetIdleDeadline(handler.clientConnection)
		packet, err := ReadPacket(handler.clientConnection)
		if err != nil {
			timer.ObserveDuration()
			errCh <- err
			return
		}
		if firstPacket {
			firstPacket = false
			handler.clientProtocol41 = packet.ClientSupportProtocol41()
			handler.clientDeprecateEOF = packet.IsClientDeprecateEOF()
			if packet.IsSSLRequest() {
				if err := handler.switchToTLS(clientLog, packet); err != nil {
					timer.ObserveDuration()
					errCh <- err
					return
				}
				timer.ObserveDuration()
				continue
			}
		}
		data := packet.GetData()
		if len(data) == 0 {
			timer.ObserveDuration()
			errCh <- ErrMalformPacket
			return
		}
		if handler.authDone && handler.draining() {
			clientLog.Debugln("Drain requested, close session at command boundary")
			timer.ObserveDuration()
			errCh <- io.EOF
			return
		}
		command := data[0]
		handler.currentCommand = command
		switch command {
		case CommandQuit:
			clientLog.Debugln("Close connections on Quit command")
			if _, err := handler.dbConnection.Write(packet.Dump()); err != nil {
				clientLog.WithError(err).Debugln("Can't forward Quit to upstream")
			}
			timer.ObserveDuration()
			errCh <- io.EOF
			return
		case CommandQuery, CommandStatementExecute:
			handler.setQueryHandler(handler.queryResponseHandler)
		case CommandStatementPrepare, CommandStatementClose:
			// responses to these carry no maskable rows
		}
		if _, err := handler.dbConnection.Write(packet.Dump()); err != nil {
			timer.ObserveDuration()
			errCh <- err
			return
		}
		timer.ObserveDuration()
	}
}

// switchToTLS forwards the client's SSLRequest upstream and wraps both
// streams. The upstream half notices the pending handshake through a read
// deadline and completes its side, see ProxyDatabaseConnection.
func (handler *Handler) switchToTLS(clientLog *logrus.Entry, packet *Packet) error {
	if handler.settings.ClientTLSConfig == nil || handler.settings.DBTLSConfig == nil {
		clientLog.Errorln("Client requested TLS but proxy has no TLS material configured")
		errPacket := packError(&SQLError{Code: ErrUnknownCode, State: ErrUnknownState,
			Message: "TLS is not configured on the proxy"}, handler.clientProtocol41)
		packet.SetData(errPacket)
		if _, err := handler.clientConnection.Write(packet.Dump()); err != nil {
			clientLog.WithError(err).Debugln("Can't write TLS error to client")
		}
		return ErrTLSNotConfigured
	}
	if _, err := handler.dbConnection.Write(packet.Dump()); err != nil {
		return err
	}
	handler.isTLSHandshake = true
	// interrupt the upstream read loop so it can run its part of the handshake
	handler.dbConnection.SetReadDeadline(time.Now())

	tlsConnection := tls.Server(handler.clientConnection, handler.settings.ClientTLSConfig)
	if err := tlsConnection.Handshake(); err != nil {
		clientLog.WithError(err).Errorln("TLS handshake with client failed")
		return err
	}
	handler.clientConnection = tlsConnection
	clientLog.Debugln("Switched client connection to TLS, wait for upstream")
	select {
	case <-handler.dbTLSHandshakeDone:
		clientLog.Debugln("Switched to TLS on both sides")
		return nil
	case <-time.After(time.Second * clientWaitDbTLSHandshake):
		return errors.New("timeout on TLS handshake with upstream")
	}
}

// ProxyDatabaseConnection reads upstream packets and routes them through the
// active response handler.
func (handler *Handler) ProxyDatabaseConnection(errCh chan<- error) {
	_, span := trace.StartSpan(handler.ctx, "ProxyDatabaseConnection")
	defer span.End()
	serverLog := handler.logger.WithField("proxy", "server")
	firstPacket := true
	for {
		timer := prometheus.NewTimer(prometheus.ObserverFunc(
			base.ResponseProcessingTimeHistogram.WithLabelValues(base.DBMysql).Observe))
		handler.resetIdleDeadline(handler.dbConnection)
		packet, err := ReadPacket(handler.dbConnection)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() && handler.isTLSHandshake {
				handler.dbConnection.SetReadDeadline(time.Time{})
				tlsConnection := tls.Client(handler.dbConnection, handler.settings.DBTLSConfig)
				if err := tlsConnection.Handshake(); err != nil {
					serverLog.WithError(err).Errorln("TLS handshake with upstream failed")
					timer.ObserveDuration()
					errCh <- err
					return
				}
				handler.dbConnection = tlsConnection
				handler.isTLSHandshake = false
				handler.dbTLSHandshakeDone <- true
				timer.ObserveDuration()
				continue
			}
			timer.ObserveDuration()
			errCh <- err
			return
		}
		if firstPacket {
			firstPacket = false
			handler.serverProtocol41 = packet.ServerSupportProtocol41()
		}
		if packet.IsErr() {
			handler.resetQueryHandler()
		}
		responseHandler := handler.responseHandler
		if err := responseHandler(packet, handler.dbConnection, handler.clientConnection); err != nil {
			handler.resetQueryHandler()
			timer.ObserveDuration()
			errCh <- err
			return
		}
		timer.ObserveDuration()
		if handler.authDone && handler.draining() {
			serverLog.Debugln("Drain requested, close session after response")
			errCh <- io.EOF
			return
		}
	}
}

func (handler *Handler) expectEOFOnColumnDefinition() bool {
	return !handler.clientDeprecateEOF
}

func (handler *Handler) isPreparedStatementResult() bool {
	return handler.currentCommand == CommandStatementExecute
}

// queryResponseHandler drives one COM_QUERY / COM_STMT_EXECUTE response:
// column count, column definitions, then rows until the terminator. Text
// rows go through the masking engine; binary resultset rows of prepared
// statements pass through unmodified.
func (handler *Handler) queryResponseHandler(packet *Packet, dbConnection, clientConnection net.Conn) error {
	handler.resetQueryHandler()
	handler.authDone = true

	output := []base.Dumper{packet}
	firstByte := packet.GetData()[0]
	if firstByte != OkPacket && firstByte != ErrPacket && firstByte != NullValue {
		fieldCount64, _, _, err := LengthEncodedInt(packet.GetData())
		if err != nil {
			return err
		}
		fieldCount := int(fieldCount64)
		fields := make([]*ColumnDescription, 0, fieldCount)

		handler.logger.WithField("field_count", fieldCount).Debugln("Read column descriptions")
		for i := 0; ; i++ {
			fieldPacket, err := ReadPacket(dbConnection)
			if err != nil {
				handler.logger.WithError(err).Debugln("Can't read column description packet")
				return err
			}
			output = append(output, fieldPacket)
			if handler.expectEOFOnColumnDefinition() && fieldPacket.IsEOF() {
				if i != fieldCount {
					handler.logger.Errorln("EOF before all column descriptions")
					return ErrMalformPacket
				}
				break
			}
			field, err := ParseResultField(fieldPacket.GetData())
			if err != nil {
				handler.logger.WithError(err).Errorln("Can't parse result field")
				return err
			}
			fields = append(fields, field)
			if !handler.expectEOFOnColumnDefinition() && i == fieldCount-1 {
				break
			}
		}

		handler.logger.Debugln("Read data rows")
		for {
			rowPacket, err := ReadPacket(dbConnection)
			if err != nil {
				handler.logger.WithError(err).Debugln("Can't read data row packet")
				return err
			}
			output = append(output, rowPacket)
			if rowPacket.IsErr() {
				break
			}
			if handler.isPreparedStatementResult() {
				// binary rows always carry a 0x00 header, 0xfe is a terminator
				if rowPacket.GetData()[0] == EOFPacket {
					break
				}
				// binary protocol rows pass through unmodified
				continue
			}
			if rowPacket.IsEOF() || (handler.clientDeprecateEOF && rowPacket.GetData()[0] == EOFPacket) {
				break
			}
			handler.maskTextDataRow(rowPacket, fields)
		}
	}

	for _, dumper := range output {
		if _, err := clientConnection.Write(dumper.Dump()); err != nil {
			handler.logger.WithError(err).Debugln("Can't write response to client")
			return err
		}
	}
	return nil
}

// maskTextDataRow re-encodes a TextResultsetRow with masked values. Parse
// failures leave the packet untouched.
func (handler *Handler) maskTextDataRow(packet *Packet, fields []*ColumnDescription) {
	rowData := packet.GetData()
	pos := 0
	changed := false
	output := make([]byte, 0, len(rowData))
	var details []base.MaskedFieldEvent
	for i := range fields {
		value, isNull, n, err := LengthEncodedString(rowData[pos:])
		if err != nil {
			handler.logger.WithError(err).WithField("field_index", i).
				Warningln("Can't parse text row value, pass packet through")
			return
		}
		pos += n
		if isNull {
			output = append(output, NullValue)
			continue
		}
		info := fields[i].ColumnInfo(i)
		masked, strategy, fieldChanged := handler.settings.Masker.MaskColumn(info, value)
		if fieldChanged {
			changed = true
			details = append(details, base.MaskedFieldEvent{
				ColumnIndex: i,
				ColumnName:  info.Name,
				Strategy:    strategy,
				Original:    base.Preview(value),
				Masked:      base.Preview(masked),
			})
		}
		output = append(output, PutLengthEncodedString(masked)...)
	}
	if pos != len(rowData) {
		handler.logger.WithFields(logrus.Fields{"parsed": pos, "length": len(rowData)}).
			Warningln("Row length doesn't match column count, pass packet through")
		return
	}
	if !changed {
		return
	}
	packet.SetData(output)
	if handler.settings.Events != nil {
		handler.settings.Events.Add(base.MaskingEvent{
			Timestamp:    time.Now(),
			ConnectionID: handler.settings.ConnectionID,
			EventType:    "DataMasked",
			Content:      fmt.Sprintf("Masked %d fields in ResultRow", len(details)),
			Details:      details,
		})
	}
}
