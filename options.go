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

import (
	"log/slog"
	"time"
)

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger  *slog.Logger
	slaveID UnitID

	customHandler  CustomHandler
	writeNotifiers []WriteNotifier
	stateListeners []StateListener

	// Transport settings, used by the TCP adapter.
	maxConns    int
	readTimeout time.Duration
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:      slog.Default(),
		slaveID:     1,
		maxConns:    100,
		readTimeout: DefaultReadTimeout,
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithSlaveID sets the initial slave id. The default is 1.
func WithSlaveID(id UnitID) ServerOption {
	return func(o *serverOptions) {
		o.slaveID = id
	}
}

// WithCustomHandler installs a handler for function codes without a
// built-in implementation. Without one, such requests are answered with an
// IllegalFunction exception.
func WithCustomHandler(h CustomHandler) ServerOption {
	return func(o *serverOptions) {
		o.customHandler = h
	}
}

// WithOnWritten registers a notifier fired after each successful client
// write. May be given multiple times.
func WithOnWritten(fn WriteNotifier) ServerOption {
	return func(o *serverOptions) {
		o.writeNotifiers = append(o.writeNotifiers, fn)
	}
}

// WithOnStateChange registers a listener for connection state changes.
// May be given multiple times.
func WithOnStateChange(l StateListener) ServerOption {
	return func(o *serverOptions) {
		o.stateListeners = append(o.stateListeners, l)
	}
}

// WithMaxConnections sets the maximum number of concurrent TCP connections.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout sets the per-connection read timeout for the TCP
// transport.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}
