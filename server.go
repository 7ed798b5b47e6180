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
	"fmt"
	"log/slog"
	"sync"
)

// handlerFunc processes one decoded request against the register map.
type handlerFunc func(s *Server, req Request) Response

// Server is a Modbus slave: it owns the four register tables and answers
// request PDUs handed to it by a transport. Register map access is guarded
// by an internal lock, so transports and application code may call into the
// server concurrently.
type Server struct {
	opts *serverOptions

	mu               sync.RWMutex
	discreteInputs   RegisterUnit
	coils            RegisterUnit
	inputRegisters   RegisterUnit
	holdingRegisters RegisterUnit
	slaveID          UnitID

	handlers map[FunctionCode]handlerFunc
	state    stateTracker
	metrics  *ServerMetrics
}

// NewServer creates a server with an empty register map. Call SetMap before
// exposing it to a transport; until then every data request is answered
// with an IllegalDataAddress exception.
func NewServer(opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	s := &Server{
		opts:             options,
		discreteInputs:   RegisterUnit{Type: Invalid},
		coils:            RegisterUnit{Type: Invalid},
		inputRegisters:   RegisterUnit{Type: Invalid},
		holdingRegisters: RegisterUnit{Type: Invalid},
		slaveID:          options.slaveID,
		metrics:          NewServerMetrics(),
	}
	for _, l := range options.stateListeners {
		s.state.subscribe(l)
	}

	// One handler per implemented function code. Codes absent from this
	// table reach the custom handler.
	s.handlers = map[FunctionCode]handlerFunc{
		FuncReadCoils:              (*Server).handleReadCoils,
		FuncReadDiscreteInputs:     (*Server).handleReadDiscreteInputs,
		FuncReadHoldingRegisters:   (*Server).handleReadHoldingRegisters,
		FuncReadInputRegisters:     (*Server).handleReadInputRegisters,
		FuncWriteSingleCoil:        (*Server).handleWriteSingleCoil,
		FuncWriteSingleRegister:    (*Server).handleWriteSingleRegister,
		FuncWriteMultipleCoils:     (*Server).handleWriteMultipleCoils,
		FuncWriteMultipleRegisters: (*Server).handleWriteMultipleRegisters,
	}
	return s
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// State returns the current transport connection state.
func (s *Server) State() ConnectionState {
	return s.state.State()
}

// SlaveID returns the slave id used by transports to filter frames.
func (s *Server) SlaveID() UnitID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slaveID
}

// SetSlaveID sets the slave id.
func (s *Server) SetSlaveID(id UnitID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slaveID = id
}

// table returns the server's table for t, or nil for an unknown type.
// The caller must hold s.mu.
func (s *Server) table(t RegisterType) *RegisterUnit {
	switch t {
	case DiscreteInputs:
		return &s.discreteInputs
	case Coils:
		return &s.coils
	case InputRegisters:
		return &s.inputRegisters
	case HoldingRegisters:
		return &s.holdingRegisters
	default:
		return nil
	}
}

// SetMap replaces all four register tables from m. Types missing from m
// become invalid, empty tables; previously stored values are discarded.
// A unit keyed under the wrong type or with a negative start address is
// rejected without touching the current map.
func (s *Server) SetMap(m RegisterMap) error {
	for t, unit := range m {
		if unit.Type != t {
			return fmt.Errorf("%w: unit keyed as %s declares %s",
				ErrInvalidRegisterType, t, unit.Type)
		}
		if unit.Start < 0 {
			return fmt.Errorf("%w: %s start address %d", ErrOutOfRange, t, unit.Start)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range []RegisterType{DiscreteInputs, Coils, InputRegisters, HoldingRegisters} {
		dst := s.table(t)
		if unit, ok := m[t]; ok {
			*dst = unit.clone()
		} else {
			*dst = RegisterUnit{Type: Invalid}
		}
	}
	return nil
}

// Map returns a deep copy of the current register map. Invalid tables are
// omitted, matching what SetMap accepts.
func (s *Server) Map() RegisterMap {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := make(RegisterMap, 4)
	for _, t := range []RegisterType{DiscreteInputs, Coils, InputRegisters, HoldingRegisters} {
		unit := s.table(t)
		if unit.IsValid() {
			m[t] = unit.clone()
		}
	}
	return m
}

// Value reads the word at logical address in table t.
func (s *Server) Value(t RegisterType, address int) (uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unit := s.table(t)
	if unit == nil {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRegisterType, t)
	}
	if !unit.IsValid() || !unit.contains(address) {
		return 0, fmt.Errorf("%w: %s address %d", ErrOutOfRange, t, address)
	}
	return unit.value(address), nil
}

// Values reads the range described by out from the table out.Type and
// fills out.Values. A negative out.Start selects the entire table: out is
// resized to the table's length and its start address is updated.
func (s *Server) Values(out *RegisterUnit) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unit := s.table(out.Type)
	if unit == nil {
		return fmt.Errorf("%w: %d", ErrInvalidRegisterType, out.Type)
	}
	if !unit.IsValid() {
		return fmt.Errorf("%w: %s not configured", ErrOutOfRange, out.Type)
	}

	if out.Start < 0 {
		*out = unit.clone()
		return nil
	}

	if !unit.containsRange(out.Start, len(out.Values)) {
		return fmt.Errorf("%w: %s range [%d, %d]", ErrOutOfRange,
			out.Type, out.Start, out.Start+len(out.Values)-1)
	}
	copy(out.Values, unit.Values[out.Start-unit.Start:])
	return nil
}

// SetValue writes the word at logical address in table t.
func (s *Server) SetValue(t RegisterType, address int, value uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit := s.table(t)
	if unit == nil {
		return fmt.Errorf("%w: %d", ErrInvalidRegisterType, t)
	}
	if !unit.IsValid() || !unit.contains(address) {
		return fmt.Errorf("%w: %s address %d", ErrOutOfRange, t, address)
	}
	unit.setValue(address, value)
	return nil
}

// SetValues writes the range described by in into the table in.Type. The
// whole range is bounds-checked before any word is stored, so a failed
// write leaves the table untouched.
func (s *Server) SetValues(in RegisterUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit := s.table(in.Type)
	if unit == nil {
		return fmt.Errorf("%w: %d", ErrInvalidRegisterType, in.Type)
	}
	if !unit.IsValid() || !unit.containsRange(in.Start, len(in.Values)) {
		return fmt.Errorf("%w: %s range [%d, %d]", ErrOutOfRange,
			in.Type, in.Start, in.Start+len(in.Values)-1)
	}
	copy(unit.Values[in.Start-unit.Start:], in.Values)
	return nil
}

// ProcessRequest dispatches a decoded request to its handler and returns
// the response PDU. It never fails: protocol violations become exception
// responses, and unmapped function codes reach the custom handler, which
// defaults to IllegalFunction.
func (s *Server) ProcessRequest(req Request) Response {
	s.metrics.RequestsTotal.Add(1)
	s.metrics.ForFunction(req.FunctionCode).Requests.Add(1)

	var resp Response
	if handler, ok := s.handlers[req.FunctionCode]; ok {
		resp = handler(s, req)
	} else {
		resp = s.processCustomRequest(req)
	}

	if resp.IsException() {
		s.metrics.Exceptions.Add(1)
		s.metrics.ForFunction(req.FunctionCode).Exceptions.Add(1)
		s.opts.logger.Debug("request rejected",
			slog.String("func", req.FunctionCode.String()),
			slog.String("exception", resp.ExceptionCode().String()))
	}
	return resp
}

// processCustomRequest routes a request without a built-in handler.
func (s *Server) processCustomRequest(req Request) Response {
	if s.opts.customHandler != nil {
		return s.opts.customHandler.ProcessCustomRequest(req)
	}
	return NewExceptionResponse(req.FunctionCode, ExceptionIllegalFunction)
}

// notifyWritten fires the write notifiers. Called without s.mu held so
// notifiers may read the server.
func (s *Server) notifyWritten(t RegisterType, address, quantity uint16) {
	for _, fn := range s.opts.writeNotifiers {
		fn(t, address, quantity)
	}
}

// readBits serves ReadCoils and ReadDiscreteInputs.
func (s *Server) readBits(t RegisterType, req Request) Response {
	if len(req.Data) != 4 {
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataValue)
	}
	address := uint16At(req.Data, 0)
	quantity := uint16At(req.Data, 2)

	if quantity < 1 || quantity > MaxQuantityCoils {
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataValue)
	}

	s.mu.RLock()
	unit := s.table(t)
	if !unit.IsValid() || !unit.containsRange(int(address), int(quantity)) {
		s.mu.RUnlock()
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataAddress)
	}
	values := make([]uint16, quantity)
	copy(values, unit.Values[int(address)-unit.Start:])
	s.mu.RUnlock()

	packed := packCoils(values)
	data := make([]byte, 1+len(packed))
	data[0] = byte(len(packed))
	copy(data[1:], packed)
	return NewResponse(req.FunctionCode, data)
}

func (s *Server) handleReadCoils(req Request) Response {
	return s.readBits(Coils, req)
}

func (s *Server) handleReadDiscreteInputs(req Request) Response {
	return s.readBits(DiscreteInputs, req)
}

// readWords serves ReadHoldingRegisters and ReadInputRegisters.
func (s *Server) readWords(t RegisterType, req Request) Response {
	if len(req.Data) != 4 {
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataValue)
	}
	address := uint16At(req.Data, 0)
	quantity := uint16At(req.Data, 2)

	if quantity < 1 || quantity > MaxQuantityRegisters {
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataValue)
	}

	s.mu.RLock()
	unit := s.table(t)
	if !unit.IsValid() || !unit.containsRange(int(address), int(quantity)) {
		s.mu.RUnlock()
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataAddress)
	}
	data := make([]byte, 1+2*int(quantity))
	data[0] = byte(2 * quantity)
	for i := 0; i < int(quantity); i++ {
		putUint16(data, 1+2*i, unit.value(int(address)+i))
	}
	s.mu.RUnlock()

	return NewResponse(req.FunctionCode, data)
}

func (s *Server) handleReadHoldingRegisters(req Request) Response {
	return s.readWords(HoldingRegisters, req)
}

func (s *Server) handleReadInputRegisters(req Request) Response {
	return s.readWords(InputRegisters, req)
}

func (s *Server) handleWriteSingleCoil(req Request) Response {
	if len(req.Data) != 4 {
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataValue)
	}
	address := uint16At(req.Data, 0)
	value := uint16At(req.Data, 2)

	if value != CoilOn && value != CoilOff {
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataValue)
	}

	s.mu.Lock()
	if !s.coils.IsValid() || !s.coils.contains(int(address)) {
		s.mu.Unlock()
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataAddress)
	}
	if value == CoilOn {
		s.coils.setValue(int(address), 1)
	} else {
		s.coils.setValue(int(address), 0)
	}
	s.mu.Unlock()

	s.notifyWritten(Coils, address, 1)

	// Echo address and value.
	data := make([]byte, 4)
	copy(data, req.Data[:4])
	return NewResponse(req.FunctionCode, data)
}

func (s *Server) handleWriteSingleRegister(req Request) Response {
	if len(req.Data) != 4 {
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataValue)
	}
	address := uint16At(req.Data, 0)
	value := uint16At(req.Data, 2)

	s.mu.Lock()
	if !s.holdingRegisters.IsValid() || !s.holdingRegisters.contains(int(address)) {
		s.mu.Unlock()
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataAddress)
	}
	s.holdingRegisters.setValue(int(address), value)
	s.mu.Unlock()

	s.notifyWritten(HoldingRegisters, address, 1)

	data := make([]byte, 4)
	copy(data, req.Data[:4])
	return NewResponse(req.FunctionCode, data)
}

func (s *Server) handleWriteMultipleCoils(req Request) Response {
	if len(req.Data) < 5 {
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataValue)
	}
	address := uint16At(req.Data, 0)
	quantity := uint16At(req.Data, 2)
	byteCount := int(req.Data[4])

	if quantity < 1 || quantity > MaxQuantityWriteCoils ||
		byteCount != coilByteCount(quantity) ||
		len(req.Data) != 5+byteCount {
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataValue)
	}

	values := unpackCoils(req.Data[5:], quantity)

	s.mu.Lock()
	if !s.coils.IsValid() || !s.coils.containsRange(int(address), int(quantity)) {
		s.mu.Unlock()
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataAddress)
	}
	copy(s.coils.Values[int(address)-s.coils.Start:], values)
	s.mu.Unlock()

	s.notifyWritten(Coils, address, quantity)

	// Echo address and quantity.
	data := make([]byte, 4)
	putUint16(data, 0, address)
	putUint16(data, 2, quantity)
	return NewResponse(req.FunctionCode, data)
}

func (s *Server) handleWriteMultipleRegisters(req Request) Response {
	if len(req.Data) < 5 {
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataValue)
	}
	address := uint16At(req.Data, 0)
	quantity := uint16At(req.Data, 2)
	byteCount := int(req.Data[4])

	if quantity < 1 || quantity > MaxQuantityWriteRegisters ||
		byteCount != 2*int(quantity) ||
		len(req.Data) != 5+byteCount {
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataValue)
	}

	s.mu.Lock()
	if !s.holdingRegisters.IsValid() ||
		!s.holdingRegisters.containsRange(int(address), int(quantity)) {
		s.mu.Unlock()
		return NewExceptionResponse(req.FunctionCode, ExceptionIllegalDataAddress)
	}
	for i := 0; i < int(quantity); i++ {
		s.holdingRegisters.setValue(int(address)+i, uint16At(req.Data, 5+2*i))
	}
	s.mu.Unlock()

	s.notifyWritten(HoldingRegisters, address, quantity)

	data := make([]byte, 4)
	putUint16(data, 0, address)
	putUint16(data, 2, quantity)
	return NewResponse(req.FunctionCode, data)
}
