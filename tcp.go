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
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// TCPServer exposes a Server over Modbus TCP. It frames PDUs with MBAP
// headers, filters frames by slave id before they reach the dispatcher and
// drives the server's connection state cycle.
type TCPServer struct {
	slave *Server

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   int32
	wg       sync.WaitGroup
}

// NewTCPServer creates a TCP transport for slave.
func NewTCPServer(slave *Server) *TCPServer {
	return &TCPServer{
		slave: slave,
		conns: make(map[net.Conn]struct{}),
	}
}

// ListenAndServe starts the transport on the given address.
func (t *TCPServer) ListenAndServe(addr string) error {
	t.slave.state.set(Connecting)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		t.slave.state.set(Unconnected)
		return err
	}
	return t.Serve(listener)
}

// ListenAndServeContext starts the transport and shuts it down when ctx is
// canceled.
func (t *TCPServer) ListenAndServeContext(ctx context.Context, addr string) error {
	t.slave.state.set(Connecting)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		t.slave.state.set(Unconnected)
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		t.Close()
	}()

	return t.Serve(listener)
}

// Serve accepts connections on listener until Close is called, then returns
// ErrServerClosed.
func (t *TCPServer) Serve(listener net.Listener) error {
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()
	t.slave.state.set(Connected)

	logger := t.slave.opts.logger
	logger.Info("modbus tcp server started",
		slog.String("addr", listener.Addr().String()),
		slog.Uint64("slave_id", uint64(t.slave.SlaveID())))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&t.closed) == 1 {
				return ErrServerClosed
			}
			logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		t.mu.Lock()
		if len(t.conns) >= t.slave.opts.maxConns {
			t.mu.Unlock()
			logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		t.conns[conn] = struct{}{}
		t.slave.metrics.ActiveConns.Add(1)
		t.slave.metrics.TotalConns.Add(1)
		t.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
			tcpConn.SetNoDelay(true)
		}

		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

// Close shuts the transport down gracefully and returns the server to the
// Unconnected state.
func (t *TCPServer) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	t.slave.state.set(Closing)

	t.mu.Lock()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	t.slave.state.set(Unconnected)
	t.slave.opts.logger.Info("modbus tcp server stopped")
	return err
}

// Addr returns the transport's listen address.
func (t *TCPServer) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of active connections.
func (t *TCPServer) ActiveConnections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *TCPServer) handleConn(conn net.Conn) {
	logger := t.slave.opts.logger
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in connection handler",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		t.wg.Done()
		conn.Close()
		t.mu.Lock()
		delete(t.conns, conn)
		t.slave.metrics.ActiveConns.Add(-1)
		t.mu.Unlock()
	}()

	logger.Debug("connection accepted",
		slog.String("remote", conn.RemoteAddr().String()))

	readTimeout := t.slave.opts.readTimeout
	for {
		if atomic.LoadInt32(&t.closed) == 1 {
			return
		}

		if readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF && atomic.LoadInt32(&t.closed) == 0 {
				if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
					logger.Debug("read error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}
			return
		}

		// Slave-id filtering happens here, before the dispatcher ever
		// sees the request.
		if frame.Header.UnitID != t.slave.SlaveID() {
			t.slave.metrics.DroppedFrames.Add(1)
			logger.Debug("frame for other slave dropped",
				slog.Uint64("unit_id", uint64(frame.Header.UnitID)))
			continue
		}

		req, err := DecodeRequest(frame.PDU)
		if err != nil {
			// Non-decodable PDUs are dropped rather than answered; there
			// is no function code to put in an exception response.
			t.slave.metrics.DroppedFrames.Add(1)
			logger.Debug("undecodable PDU dropped",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			continue
		}

		start := time.Now()
		resp := t.slave.ProcessRequest(req)
		t.slave.metrics.Latency.Observe(time.Since(start))

		out := Frame{
			Header: MBAPHeader{
				TransactionID: frame.Header.TransactionID,
				ProtocolID:    ProtocolID,
				UnitID:        frame.Header.UnitID,
			},
			PDU: resp.Encode(),
		}

		if readTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(readTimeout))
		}
		if _, err := conn.Write(out.Encode()); err != nil {
			logger.Debug("write error",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			return
		}
	}
}
