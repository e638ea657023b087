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
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ConnectionRecord describes one live proxied session in the shared
// connection table. Byte counters are updated by the counting wrapper and
// read by the management API without locks.
type ConnectionRecord struct {
	ID            uint64    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	UpstreamAddr  string    `json:"upstream_addr"`
	EstablishedAt time.Time `json:"established_at"`

	bytesIn  uint64
	bytesOut uint64
}

// BytesIn returns bytes received from the client so far.
func (record *ConnectionRecord) BytesIn() uint64 {
	return atomic.LoadUint64(&record.bytesIn)
}

// BytesOut returns bytes written to the client so far.
func (record *ConnectionRecord) BytesOut() uint64 {
	return atomic.LoadUint64(&record.bytesOut)
}

// CountingConn wraps a client connection and accumulates transferred byte
// counts on its connection record.
type CountingConn struct {
	net.Conn
	record *ConnectionRecord
}

// NewCountingConn returns wrapper counting bytes into record.
func NewCountingConn(conn net.Conn, record *ConnectionRecord) *CountingConn {
	return &CountingConn{Conn: conn, record: record}
}

// Read counts bytes received from the wrapped connection.
func (conn *CountingConn) Read(b []byte) (int, error) {
	n, err := conn.Conn.Read(b)
	atomic.AddUint64(&conn.record.bytesIn, uint64(n))
	return n, err
}

// Write counts bytes sent into the wrapped connection.
func (conn *CountingConn) Write(b []byte) (int, error) {
	n, err := conn.Conn.Write(b)
	atomic.AddUint64(&conn.record.bytesOut, uint64(n))
	return n, err
}

// Unwrap returns wrapped connection
func (conn *CountingConn) Unwrap() net.Conn {
	return conn.Conn
}

// ConnectionManager counts connections, keeps their records for the
// management API and closes them on shutdown.
type ConnectionManager struct {
	*sync.WaitGroup
	mutex       sync.Mutex
	counter     int
	total       uint64
	nextID      uint64
	connections map[net.Conn]*ConnectionRecord
}

// NewConnectionManager returns new ConnectionManager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		WaitGroup:   &sync.WaitGroup{},
		connections: make(map[net.Conn]*ConnectionRecord),
	}
}

// AddConnection registers a new client connection and returns its record.
func (manager *ConnectionManager) AddConnection(conn net.Conn, upstreamAddr string) *ConnectionRecord {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.nextID++
	manager.total++
	record := &ConnectionRecord{
		ID:            manager.nextID,
		RemoteAddr:    conn.RemoteAddr().String(),
		UpstreamAddr:  upstreamAddr,
		EstablishedAt: time.Now(),
	}
	manager.counter++
	manager.WaitGroup.Add(1)
	manager.connections[conn] = record
	log.WithField("connection_id", record.ID).Debugln("Added new connection")
	return record
}

// RemoveConnection removes connection and marks it done.
func (manager *ConnectionManager) RemoveConnection(conn net.Conn) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if _, ok := manager.connections[conn]; !ok {
		return
	}
	delete(manager.connections, conn)
	manager.counter--
	manager.WaitGroup.Done()
}

// Counter returns the number of live connections.
func (manager *ConnectionManager) Counter() int {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.counter
}

// Total returns the number of connections accepted over the process lifetime.
func (manager *ConnectionManager) Total() uint64 {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.total
}

// Records returns a snapshot of live connection records.
func (manager *ConnectionManager) Records() []*ConnectionRecord {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	records := make([]*ConnectionRecord, 0, len(manager.connections))
	for _, record := range manager.connections {
		records = append(records, record)
	}
	return records
}

// CloseConnections closes all live connections and returns the first error.
func (manager *ConnectionManager) CloseConnections() error {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	var outErr error
	for connection := range manager.connections {
		if err := connection.Close(); err != nil && outErr == nil {
			outErr = err
		}
	}
	return outErr
}
