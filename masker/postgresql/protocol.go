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
	"sync"
)

// SessionPhase describes where a connection is inside the protocol flow.
type SessionPhase int

// Session phases.
const (
	AwaitingStartup SessionPhase = iota
	ReadyForQuery
	InExtendedFlow
)

// PgProtocolState keeps track of PostgreSQL session state shared between the
// client→upstream and upstream→client halves. The client half learns
// statement and portal names from Parse/Bind/Execute; the upstream half
// attributes row descriptions to portals and resets on ReadyForQuery.
//
// The mutex guards the maps; the current column set is owned exclusively by
// the upstream half and lives in the proxy, not here.
type PgProtocolState struct {
	mutex sync.Mutex

	phase SessionPhase
	// statement name → query text; the proxy registers names only, so the
	// stored query is empty
	statements map[string]string
	// portal name → statement name from Bind
	portals map[string]string
	// portal → parsed column set from its last RowDescription
	portalColumns map[string][]ColumnDescription
	// portal named by the most recent Execute, "" for simple queries
	lastPortal string
}

// NewPgProtocolState makes an initial state awaiting the startup message.
func NewPgProtocolState() *PgProtocolState {
	return &PgProtocolState{
		phase:         AwaitingStartup,
		statements:    make(map[string]string),
		portals:       make(map[string]string),
		portalColumns: make(map[string][]ColumnDescription),
	}
}

// Phase returns the current session phase.
func (state *PgProtocolState) Phase() SessionPhase {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return state.phase
}

// StartupDone moves the session out of the startup phase.
func (state *PgProtocolState) StartupDone() {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	if state.phase == AwaitingStartup {
		state.phase = ReadyForQuery
	}
}

// RegisterParse records the statement declared by a Parse message.
func (state *PgProtocolState) RegisterParse(statement, query string) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	state.phase = InExtendedFlow
	state.statements[statement] = query
}

// RegisterBind links a portal to its statement.
func (state *PgProtocolState) RegisterBind(portal, statement string) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	state.phase = InExtendedFlow
	state.portals[portal] = statement
}

// RegisterExecute remembers which portal the next result set belongs to.
func (state *PgProtocolState) RegisterExecute(portal string) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	state.phase = InExtendedFlow
	state.lastPortal = portal
}

// RegisterSimpleQuery resets portal attribution to the unnamed portal.
func (state *PgProtocolState) RegisterSimpleQuery() {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	state.lastPortal = ""
}

// StoreColumns attributes a freshly parsed RowDescription to the active
// portal, replacing the previous description on that portal.
func (state *PgProtocolState) StoreColumns(columns []ColumnDescription) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	state.portalColumns[state.lastPortal] = columns
}

// ActivePortalColumns returns the column set of the portal the next data
// rows belong to.
func (state *PgProtocolState) ActivePortalColumns() []ColumnDescription {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return state.portalColumns[state.lastPortal]
}

// ReadyForQueryReceived resets extended-flow tracking at a query boundary.
func (state *PgProtocolState) ReadyForQueryReceived() {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	state.phase = ReadyForQuery
	state.lastPortal = ""
}
