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

// Package modbus implements the server (slave) side of the Modbus
// application protocol: a register map, a PDU request dispatcher and a
// Modbus TCP transport adapter.
package modbus

import "time"

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Standard Modbus function codes.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncReadExceptionStatus    FunctionCode = 0x07
	FuncDiagnostics            FunctionCode = 0x08
	FuncGetCommEventCounter    FunctionCode = 0x0B
	FuncGetCommEventLog        FunctionCode = 0x0C
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
	FuncReportServerID         FunctionCode = 0x11
	FuncReadFileRecord         FunctionCode = 0x14
	FuncWriteFileRecord        FunctionCode = 0x15
	FuncMaskWriteRegister      FunctionCode = 0x16
	FuncReadWriteMultipleRegs  FunctionCode = 0x17
	FuncReadFIFOQueue          FunctionCode = 0x18
)

// String returns the string representation of the function code.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncReadExceptionStatus:
		return "ReadExceptionStatus"
	case FuncDiagnostics:
		return "Diagnostics"
	case FuncGetCommEventCounter:
		return "GetCommEventCounter"
	case FuncGetCommEventLog:
		return "GetCommEventLog"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncReportServerID:
		return "ReportServerID"
	default:
		return "Unknown"
	}
}

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read.
	MaxQuantityCoils = 2000

	// MaxQuantityWriteCoils is the maximum number of coils that can be
	// written in a single WriteMultipleCoils request.
	MaxQuantityWriteCoils = 1968

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the maximum number of registers that can
	// be written in a single WriteMultipleRegisters request.
	MaxQuantityWriteRegisters = 123

	// MaxPDUSize is the maximum size of a Modbus PDU in bytes.
	MaxPDUSize = 253

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502

	// DefaultReadTimeout is the default per-connection read timeout.
	DefaultReadTimeout = 30 * time.Second
)

// Coil values used in WriteSingleCoil requests.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// CustomHandler processes requests whose function code has no built-in
// handler. Implementations may provide device-specific semantics for
// diagnostic, file-record or vendor function codes.
type CustomHandler interface {
	ProcessCustomRequest(req Request) Response
}

// CustomHandlerFunc adapts a function to the CustomHandler interface.
type CustomHandlerFunc func(req Request) Response

// ProcessCustomRequest calls f(req).
func (f CustomHandlerFunc) ProcessCustomRequest(req Request) Response {
	return f(req)
}

// WriteNotifier is called after a client write has been applied to the
// register map. It receives the table that was written, the address of the
// first written element and the number of consecutive elements.
type WriteNotifier func(t RegisterType, address, quantity uint16)
