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
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/cossacklabs/ironveil/logging"
	"github.com/cossacklabs/ironveil/masker/base"
	"github.com/cossacklabs/ironveil/masker/mysql"
	"github.com/cossacklabs/ironveil/masker/postgresql"
	"github.com/cossacklabs/ironveil/masking"
	"github.com/cossacklabs/ironveil/network"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrWaitTimeout returned when live connections outlast the drain deadline.
var ErrWaitTimeout = errors.New("timeout")

// SServer accepts proxy connections, gates them with the configured limits
// and runs one handler per session.
type SServer struct {
	config             *Config
	listenerProxy      net.Listener
	listeners          []net.Listener
	connectionManager  *network.ConnectionManager
	errorSignalChannel chan os.Signal
	engine             *masking.MaskingEngine
	events             *base.EventRing

	connSemaphore *semaphore.Weighted
	rateLimiter   *rate.Limiter
	drainOnce     sync.Once
	drainCh       chan struct{}
}

// NewServer creates new SServer.
func NewServer(serverConfig *Config, errorChan chan os.Signal) (*SServer, error) {
	limit := serverConfig.appConfig.ConnectionsPerSecond()
	var limiter *rate.Limiter
	if limit > 0 {
		// burst equals the per-second limit
		limiter = rate.NewLimiter(rate.Limit(limit), limit)
	}
	return &SServer{
		config:             serverConfig,
		connectionManager:  network.NewConnectionManager(),
		errorSignalChannel: errorChan,
		engine:             masking.NewMaskingEngine(serverConfig.store),
		events:             base.NewEventRing(base.DefaultEventRingSize),
		connSemaphore:      semaphore.NewWeighted(int64(serverConfig.appConfig.MaxConnections())),
		rateLimiter:        limiter,
		drainCh:            make(chan struct{}),
	}, nil
}

// Events returns the masking event ring shared with the management API.
func (server *SServer) Events() *base.EventRing {
	return server.events
}

// ConnectionManager returns the shared connection table.
func (server *SServer) ConnectionManager() *network.ConnectionManager {
	return server.connectionManager
}

// Start listens for proxy connections until the listener closes.
func (server *SServer) Start() {
	logger := log.WithField("connection_string", server.config.proxyConnectionString)
	listener, err := network.Listen(server.config.proxyConnectionString)
	if err != nil {
		logger.WithError(err).Errorln("Can't start listen connections")
		server.errorSignalChannel <- syscall.SIGTERM
		return
	}
	server.listenerProxy = listener
	server.listeners = append(server.listeners, listener)
	logger.Infoln("Start listening connections")
	for {
		connection, err := listener.Accept()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				logger.Debugln("Stop accepting new connections due to deadline")
				return
			}
			logger.WithError(err).Warningln("Can't accept new connection")
			return
		}
		logger.WithField("remote_addr", connection.RemoteAddr().String()).Debugln("Got new connection")

		if server.rateLimiter != nil && !server.rateLimiter.Allow() {
			server.rejectConnection(connection, "rate limit exceeded")
			continue
		}
		if !server.connSemaphore.TryAcquire(1) {
			server.rejectConnection(connection, "connection limit exceeded")
			continue
		}
		go func() {
			defer server.connSemaphore.Release(1)
			server.handleConnection(connection)
		}()
	}
}

// rejectConnection synthesizes the protocol-appropriate error and closes the
// client. Existing sessions are unaffected.
func (server *SServer) rejectConnection(connection net.Conn, reason string) {
	log.WithField("remote_addr", connection.RemoteAddr().String()).
		WithField("reason", reason).Warningln("Reject new connection")
	var errorFrame []byte
	if server.config.useMysql {
		errorFrame = mysql.PackErrPacket(mysql.NewTooManyConnectionsError(true), 0)
	} else {
		errorFrame = postgresql.NewTooManyConnectionsError()
	}
	connection.SetWriteDeadline(time.Now().Add(network.DefaultNetworkTimeout))
	if _, err := connection.Write(errorFrame); err != nil {
		log.WithError(err).Debugln("Can't write rejection error to client")
	}
	if err := connection.Close(); err != nil {
		log.WithError(err).Debugln("Can't close rejected connection")
	}
}

// handleConnection dials the upstream and runs both proxy halves until one
// of them finishes.
func (server *SServer) handleConnection(clientConnection net.Conn) {
	logger := log.WithField("remote_addr", clientConnection.RemoteAddr().String())
	upstream := server.config.UpstreamConnectionString()
	dbConnection, err := network.DialTimeout(upstream, server.config.appConfig.ConnectTimeout())
	if err != nil {
		logger.WithError(err).Errorln("Can't connect to upstream database")
		var errorFrame []byte
		if server.config.useMysql {
			errorFrame = mysql.PackErrPacket(mysql.NewUpstreamUnavailableError(true), 0)
		} else {
			errorFrame = postgresql.NewUpstreamUnavailableError()
		}
		if _, err := clientConnection.Write(errorFrame); err != nil {
			logger.WithError(err).Debugln("Can't write upstream error to client")
		}
		clientConnection.Close()
		return
	}

	record := server.connectionManager.AddConnection(clientConnection, upstream)
	countedClient := network.NewCountingConn(clientConnection, record)
	defer func() {
		server.connectionManager.RemoveConnection(clientConnection)
		clientConnection.Close()
		dbConnection.Close()
	}()

	logger = logger.WithField("connection_id", record.ID)
	ctx := logging.SetLoggerToContext(context.Background(), logger)

	errCh := make(chan error, 2)
	if server.config.useMysql {
		settings := mysql.ProxySettings{
			Masker:          server.engine,
			Events:          server.events,
			ConnectionID:    record.ID,
			IdleTimeout:     server.config.appConfig.IdleTimeout(),
			Drain:           server.drainCh,
			ClientTLSConfig: server.config.clientTLSConfig,
			UpstreamTLS:     server.config.appConfig.UpstreamTLS,
			DBTLSConfig:     server.config.dbTLSConfig,
		}
		handler := mysql.NewMysqlProxy(ctx, countedClient, dbConnection, settings)
		go handler.ProxyClientConnection(errCh)
		go handler.ProxyDatabaseConnection(errCh)
	} else {
		settings := postgresql.ProxySettings{
			Masker:          server.engine,
			Events:          server.events,
			ConnectionID:    record.ID,
			IdleTimeout:     server.config.appConfig.IdleTimeout(),
			Drain:           server.drainCh,
			ClientTLSConfig: server.config.clientTLSConfig,
			UpstreamTLS:     server.config.appConfig.UpstreamTLS,
			DBTLSConfig:     server.config.dbTLSConfig,
		}
		proxy := postgresql.NewPgProxy(ctx, countedClient, dbConnection, settings)
		go proxy.ProxyClientConnection(errCh)
		go proxy.ProxyDatabaseConnection(errCh)
	}

	err = <-errCh
	if err != nil && err != io.EOF {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			logger.Debugln("Close connection on idle timeout")
		} else {
			logger.WithError(err).Debugln("Close connection on error")
		}
	}
	// closing both connections in the deferred cleanup unblocks the second half
	logger.WithFields(log.Fields{"bytes_in": record.BytesIn(), "bytes_out": record.BytesOut()}).
		Debugln("Connection closed")
}

// Drain stops accepting and asks live handlers to finish at the next
// protocol boundary.
func (server *SServer) Drain() {
	server.drainOnce.Do(func() {
		close(server.drainCh)
	})
	server.StopListeners()
}

// StopListeners stops accepting new connections.
func (server *SServer) StopListeners() {
	for _, listener := range server.listeners {
		deadlineListener, err := network.CastListenerToDeadline(listener)
		if err != nil {
			log.WithError(err).Warningln("Listener doesn't support deadlines")
			continue
		}
		if err := deadlineListener.SetDeadline(time.Now()); err != nil {
			log.WithError(err).Warningln("Can't set deadline for listener")
		}
	}
}

// Close closes listeners and all live connections.
func (server *SServer) Close() {
	for _, listener := range server.listeners {
		if err := listener.Close(); err != nil {
			log.WithError(err).Warningln("Error on closing listener")
		}
	}
	if err := server.connectionManager.CloseConnections(); err != nil {
		log.WithError(err).Errorln("Error on closing connections")
	}
}

// WaitWithTimeout waits until connections complete or the timeout fires.
func (server *SServer) WaitWithTimeout(duration time.Duration) error {
	timeout := time.NewTimer(duration)
	defer timeout.Stop()
	wait := make(chan struct{})
	go func() {
		server.connectionManager.Wait()
		close(wait)
	}()
	select {
	case <-timeout.C:
		return ErrWaitTimeout
	case <-wait:
		return nil
	}
}

// ConnectionsCounter counts active proxy connections.
func (server *SServer) ConnectionsCounter() int {
	return server.connectionManager.Counter()
}
