// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import "sync"

// ConnectionState represents the transport connection state of a server.
// Transitions are driven by transport adapters, never by the dispatcher;
// requests are processed regardless of the current state.
type ConnectionState int

// Connection states, cycling Unconnected -> Connecting -> Connected ->
// Closing -> Unconnected.
const (
	Unconnected ConnectionState = iota
	Connecting
	Connected
	Closing
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// StateListener observes connection state changes.
type StateListener func(state ConnectionState)

// stateTracker holds the connection state and fans each change out to the
// registered listeners.
type stateTracker struct {
	mu        sync.Mutex
	state     ConnectionState
	listeners []StateListener
}

// State returns the current connection state.
func (t *stateTracker) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// set transitions to state and notifies listeners. Setting the current
// state again is a no-op.
func (t *stateTracker) set(state ConnectionState) {
	t.mu.Lock()
	if t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	listeners := t.listeners
	t.mu.Unlock()

	for _, l := range listeners {
		l(state)
	}
}

// subscribe registers a listener for subsequent state changes.
func (t *stateTracker) subscribe(l StateListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}
