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
	"bytes"
	"testing"
)

// coilServer returns a server with a 16-coil table at address 0, all off.
func coilServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	server := NewServer(opts...)
	if err := server.SetMap(NewRegisterMap(0, 16, 0, 0)); err != nil {
		t.Fatalf("SetMap failed: %v", err)
	}
	return server
}

func expectException(t *testing.T, resp Response, fc FunctionCode, ec ExceptionCode) {
	t.Helper()
	if !resp.IsException() {
		t.Fatalf("expected exception, got success %x", resp.Encode())
	}
	if resp.FunctionCode != fc|0x80 {
		t.Errorf("FunctionCode: expected 0x%02X, got 0x%02X", byte(fc)|0x80, byte(resp.FunctionCode))
	}
	if len(resp.Data) != 1 {
		t.Fatalf("exception payload: expected 1 byte, got %d", len(resp.Data))
	}
	if resp.ExceptionCode() != ec {
		t.Errorf("ExceptionCode: expected %v, got %v", ec, resp.ExceptionCode())
	}
}

func TestReadCoilsAllZero(t *testing.T) {
	server := coilServer(t)

	// Read 10 coils at address 0.
	resp := server.ProcessRequest(Request{
		FunctionCode: FuncReadCoils,
		Data:         []byte{0x00, 0x00, 0x00, 0x0A},
	})

	expected := []byte{0x01, 0x02, 0x00, 0x00}
	if !bytes.Equal(resp.Encode(), expected) {
		t.Errorf("expected %x, got %x", expected, resp.Encode())
	}
}

func TestReadCoilsBitOrder(t *testing.T) {
	server := coilServer(t)
	server.SetValue(Coils, 0, 1)
	server.SetValue(Coils, 2, 1)
	server.SetValue(Coils, 3, 1)
	server.SetValue(Coils, 6, 1)
	server.SetValue(Coils, 7, 1)
	server.SetValue(Coils, 8, 1)

	// 11001101 -> 0xCD for coils 0..7, coil 8 alone in the second byte.
	resp := server.ProcessRequest(Request{
		FunctionCode: FuncReadCoils,
		Data:         []byte{0x00, 0x00, 0x00, 0x09},
	})

	expected := []byte{0x01, 0x02, 0xCD, 0x01}
	if !bytes.Equal(resp.Encode(), expected) {
		t.Errorf("expected %x, got %x", expected, resp.Encode())
	}
}

func TestReadCoilsQuantityLimits(t *testing.T) {
	server := coilServer(t)

	// Quantity 0.
	resp := server.ProcessRequest(Request{
		FunctionCode: FuncReadCoils,
		Data:         []byte{0x00, 0x00, 0x00, 0x00},
	})
	expectException(t, resp, FuncReadCoils, ExceptionIllegalDataValue)

	// Quantity 2001.
	resp = server.ProcessRequest(Request{
		FunctionCode: FuncReadCoils,
		Data:         []byte{0x00, 0x00, 0x07, 0xD1},
	})
	expectException(t, resp, FuncReadCoils, ExceptionIllegalDataValue)
}

func TestReadCoilsAddressOutOfRange(t *testing.T) {
	server := coilServer(t)

	// 10 coils at address 10 overruns the 16-coil table.
	resp := server.ProcessRequest(Request{
		FunctionCode: FuncReadCoils,
		Data:         []byte{0x00, 0x0A, 0x00, 0x0A},
	})
	expectException(t, resp, FuncReadCoils, ExceptionIllegalDataAddress)
}

func TestReadCoilsShortPayload(t *testing.T) {
	server := coilServer(t)

	resp := server.ProcessRequest(Request{
		FunctionCode: FuncReadCoils,
		Data:         []byte{0x00, 0x00, 0x00},
	})
	expectException(t, resp, FuncReadCoils, ExceptionIllegalDataValue)
}

func TestReadDiscreteInputs(t *testing.T) {
	server := NewServer()
	if err := server.SetMap(NewRegisterMap(8, 0, 0, 0)); err != nil {
		t.Fatalf("SetMap failed: %v", err)
	}
	server.SetValue(DiscreteInputs, 1, 1)

	resp := server.ProcessRequest(Request{
		FunctionCode: FuncReadDiscreteInputs,
		Data:         []byte{0x00, 0x00, 0x00, 0x08},
	})

	expected := []byte{0x02, 0x01, 0x02}
	if !bytes.Equal(resp.Encode(), expected) {
		t.Errorf("expected %x, got %x", expected, resp.Encode())
	}
}

func TestReadHoldingRegisters(t *testing.T) {
	server := NewServer()
	if err := server.SetMap(NewRegisterMap(0, 0, 0, 8)); err != nil {
		t.Fatalf("SetMap failed: %v", err)
	}
	server.SetValue(HoldingRegisters, 4, 0x006B)
	server.SetValue(HoldingRegisters, 5, 0x0164)

	resp := server.ProcessRequest(Request{
		FunctionCode: FuncReadHoldingRegisters,
		Data:         []byte{0x00, 0x04, 0x00, 0x02},
	})

	expected := []byte{0x03, 0x04, 0x00, 0x6B, 0x01, 0x64}
	if !bytes.Equal(resp.Encode(), expected) {
		t.Errorf("expected %x, got %x", expected, resp.Encode())
	}
}

func TestReadRegistersQuantityLimit(t *testing.T) {
	server := NewServer()
	if err := server.SetMap(NewRegisterMap(0, 0, 200, 200)); err != nil {
		t.Fatalf("SetMap failed: %v", err)
	}

	// 126 registers exceeds the read limit even though the table is big
	// enough.
	resp := server.ProcessRequest(Request{
		FunctionCode: FuncReadInputRegisters,
		Data:         []byte{0x00, 0x00, 0x00, 0x7E},
	})
	expectException(t, resp, FuncReadInputRegisters, ExceptionIllegalDataValue)

	resp = server.ProcessRequest(Request{
		FunctionCode: FuncReadInputRegisters,
		Data:         []byte{0x00, 0x00, 0x00, 0x7D},
	})
	if resp.IsException() {
		t.Fatalf("125 registers should succeed, got %x", resp.Encode())
	}
	if resp.Data[0] != 250 {
		t.Errorf("byte count: expected 250, got %d", resp.Data[0])
	}
}

func TestWriteSingleCoil(t *testing.T) {
	var notified []uint16
	server := coilServer(t, WithOnWritten(func(rt RegisterType, addr, qty uint16) {
		if rt == Coils {
			notified = append(notified, addr, qty)
		}
	}))

	resp := server.ProcessRequest(Request{
		FunctionCode: FuncWriteSingleCoil,
		Data:         []byte{0x00, 0x05, 0xFF, 0x00},
	})

	// Response echoes address and value.
	expected := []byte{0x05, 0x00, 0x05, 0xFF, 0x00}
	if !bytes.Equal(resp.Encode(), expected) {
		t.Errorf("expected %x, got %x", expected, resp.Encode())
	}

	v, err := server.Value(Coils, 5)
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if v != 1 {
		t.Errorf("coil 5: expected 1, got %d", v)
	}

	if len(notified) != 2 || notified[0] != 5 || notified[1] != 1 {
		t.Errorf("notifier: expected (5, 1), got %v", notified)
	}

	// Switch it back off.
	resp = server.ProcessRequest(Request{
		FunctionCode: FuncWriteSingleCoil,
		Data:         []byte{0x00, 0x05, 0x00, 0x00},
	})
	if resp.IsException() {
		t.Fatalf("coil off write failed: %x", resp.Encode())
	}
	v, _ = server.Value(Coils, 5)
	if v != 0 {
		t.Errorf("coil 5: expected 0, got %d", v)
	}
}

func TestWriteSingleCoilInvalidValue(t *testing.T) {
	server := coilServer(t)

	resp := server.ProcessRequest(Request{
		FunctionCode: FuncWriteSingleCoil,
		Data:         []byte{0x00, 0x05, 0x00, 0x01},
	})
	expectException(t, resp, FuncWriteSingleCoil, ExceptionIllegalDataValue)

	v, _ := server.Value(Coils, 5)
	if v != 0 {
		t.Error("table modified by rejected write")
	}
}

func TestWriteSingleCoilOutOfRange(t *testing.T) {
	server := coilServer(t)

	resp := server.ProcessRequest(Request{
		FunctionCode: FuncWriteSingleCoil,
		Data:         []byte{0x00, 0x10, 0xFF, 0x00},
	})
	expectException(t, resp, FuncWriteSingleCoil, ExceptionIllegalDataAddress)
}

func TestWriteSingleRegister(t *testing.T) {
	server := NewServer()
	if err := server.SetMap(NewRegisterMap(0, 0, 0, 8)); err != nil {
		t.Fatalf("SetMap failed: %v", err)
	}

	resp := server.ProcessRequest(Request{
		FunctionCode: FuncWriteSingleRegister,
		Data:         []byte{0x00, 0x01, 0x12, 0x34},
	})

	expected := []byte{0x06, 0x00, 0x01, 0x12, 0x34}
	if !bytes.Equal(resp.Encode(), expected) {
		t.Errorf("expected %x, got %x", expected, resp.Encode())
	}

	v, _ := server.Value(HoldingRegisters, 1)
	if v != 0x1234 {
		t.Errorf("register 1: expected 0x1234, got 0x%04X", v)
	}
}

func TestWriteMultipleCoils(t *testing.T) {
	var gotAddr, gotQty uint16
	server := coilServer(t, WithOnWritten(func(rt RegisterType, addr, qty uint16) {
		gotAddr, gotQty = addr, qty
	}))

	// Three coils at address 0 from 0b00000101.
	resp := server.ProcessRequest(Request{
		FunctionCode: FuncWriteMultipleCoils,
		Data:         []byte{0x00, 0x00, 0x00, 0x03, 0x01, 0x05},
	})

	// Response echoes address and quantity.
	expected := []byte{0x0F, 0x00, 0x00, 0x00, 0x03}
	if !bytes.Equal(resp.Encode(), expected) {
		t.Errorf("expected %x, got %x", expected, resp.Encode())
	}

	for addr, want := range []uint16{1, 0, 1} {
		v, err := server.Value(Coils, addr)
		if err != nil {
			t.Fatalf("Value(%d) failed: %v", addr, err)
		}
		if v != want {
			t.Errorf("coil %d: expected %d, got %d", addr, want, v)
		}
	}

	if gotAddr != 0 || gotQty != 3 {
		t.Errorf("notifier: expected (0, 3), got (%d, %d)", gotAddr, gotQty)
	}
}

func TestWriteMultipleCoilsByteCountMismatch(t *testing.T) {
	server := coilServer(t)
	server.SetValue(Coils, 0, 1)

	// 3 coils need 1 byte, not 2.
	resp := server.ProcessRequest(Request{
		FunctionCode: FuncWriteMultipleCoils,
		Data:         []byte{0x00, 0x00, 0x00, 0x03, 0x02, 0x05, 0x00},
	})
	expectException(t, resp, FuncWriteMultipleCoils, ExceptionIllegalDataValue)

	// Payload shorter than the declared byte count.
	resp = server.ProcessRequest(Request{
		FunctionCode: FuncWriteMultipleCoils,
		Data:         []byte{0x00, 0x00, 0x00, 0x09, 0x02, 0x05},
	})
	expectException(t, resp, FuncWriteMultipleCoils, ExceptionIllegalDataValue)

	// Table untouched in both cases.
	v, _ := server.Value(Coils, 0)
	if v != 1 {
		t.Error("table modified by rejected write")
	}
}

func TestWriteMultipleCoilsQuantityLimit(t *testing.T) {
	server := coilServer(t)

	// 1969 coils exceeds the write limit; byte count is consistent so only
	// the quantity check can reject it.
	data := make([]byte, 5+247)
	putUint16(data, 0, 0)
	putUint16(data, 2, 1969)
	data[4] = 247
	resp := server.ProcessRequest(Request{FunctionCode: FuncWriteMultipleCoils, Data: data})
	expectException(t, resp, FuncWriteMultipleCoils, ExceptionIllegalDataValue)
}

func TestWriteMultipleCoilsOutOfRange(t *testing.T) {
	server := coilServer(t)

	// 9 coils at address 10 overruns the 16-coil table.
	resp := server.ProcessRequest(Request{
		FunctionCode: FuncWriteMultipleCoils,
		Data:         []byte{0x00, 0x0A, 0x00, 0x09, 0x02, 0xFF, 0x01},
	})
	expectException(t, resp, FuncWriteMultipleCoils, ExceptionIllegalDataAddress)
}

func TestWriteMultipleRegisters(t *testing.T) {
	server := NewServer()
	if err := server.SetMap(NewRegisterMap(0, 0, 0, 8)); err != nil {
		t.Fatalf("SetMap failed: %v", err)
	}

	resp := server.ProcessRequest(Request{
		FunctionCode: FuncWriteMultipleRegisters,
		Data:         []byte{0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02},
	})

	expected := []byte{0x10, 0x00, 0x01, 0x00, 0x02}
	if !bytes.Equal(resp.Encode(), expected) {
		t.Errorf("expected %x, got %x", expected, resp.Encode())
	}

	v1, _ := server.Value(HoldingRegisters, 1)
	v2, _ := server.Value(HoldingRegisters, 2)
	if v1 != 0x000A || v2 != 0x0102 {
		t.Errorf("registers: expected 0x000A 0x0102, got 0x%04X 0x%04X", v1, v2)
	}
}

func TestWriteMultipleRegistersByteCountMismatch(t *testing.T) {
	server := NewServer()
	if err := server.SetMap(NewRegisterMap(0, 0, 0, 8)); err != nil {
		t.Fatalf("SetMap failed: %v", err)
	}

	resp := server.ProcessRequest(Request{
		FunctionCode: FuncWriteMultipleRegisters,
		Data:         []byte{0x00, 0x01, 0x00, 0x02, 0x03, 0x00, 0x0A, 0x01},
	})
	expectException(t, resp, FuncWriteMultipleRegisters, ExceptionIllegalDataValue)
}

func TestUnmappedFunctionCode(t *testing.T) {
	server := coilServer(t)

	resp := server.ProcessRequest(Request{FunctionCode: 0x2B})
	expectException(t, resp, 0x2B, ExceptionIllegalFunction)
}

func TestUnimplementedStandardCodesRouteToCustomHandler(t *testing.T) {
	server := coilServer(t)

	// Diagnostic and file-record codes have no built-in handler; they must
	// not fall through to a coil handler.
	for _, fc := range []FunctionCode{
		FuncReadExceptionStatus,
		FuncDiagnostics,
		FuncGetCommEventCounter,
		FuncReportServerID,
		FuncReadFileRecord,
		FuncMaskWriteRegister,
	} {
		resp := server.ProcessRequest(Request{FunctionCode: fc})
		expectException(t, resp, fc, ExceptionIllegalFunction)
	}
}

func TestCustomHandlerOverride(t *testing.T) {
	echo := CustomHandlerFunc(func(req Request) Response {
		return NewResponse(req.FunctionCode, req.Data)
	})
	server := coilServer(t, WithCustomHandler(echo))

	resp := server.ProcessRequest(Request{
		FunctionCode: FuncDiagnostics,
		Data:         []byte{0x00, 0x00, 0xAB, 0xCD},
	})

	expected := []byte{0x08, 0x00, 0x00, 0xAB, 0xCD}
	if !bytes.Equal(resp.Encode(), expected) {
		t.Errorf("expected %x, got %x", expected, resp.Encode())
	}

	// Built-in handlers still win for implemented codes.
	resp = server.ProcessRequest(Request{
		FunctionCode: FuncReadCoils,
		Data:         []byte{0x00, 0x00, 0x00, 0x01},
	})
	if resp.IsException() {
		t.Errorf("ReadCoils should use the built-in handler, got %x", resp.Encode())
	}
}

func TestCoilPackUnpackRoundTrip(t *testing.T) {
	server := coilServer(t)
	pattern := []int{0, 2, 3, 7, 8, 10, 15}
	for _, addr := range pattern {
		server.SetValue(Coils, addr, 1)
	}

	// Read all 16 coils.
	readResp := server.ProcessRequest(Request{
		FunctionCode: FuncReadCoils,
		Data:         []byte{0x00, 0x00, 0x00, 0x10},
	})
	if readResp.IsException() {
		t.Fatalf("ReadCoils failed: %x", readResp.Encode())
	}
	packed := readResp.Data[1:]

	// Write the packed bytes back into a second server.
	other := coilServer(t)
	writeData := append([]byte{0x00, 0x00, 0x00, 0x10, byte(len(packed))}, packed...)
	writeResp := other.ProcessRequest(Request{
		FunctionCode: FuncWriteMultipleCoils,
		Data:         writeData,
	})
	if writeResp.IsException() {
		t.Fatalf("WriteMultipleCoils failed: %x", writeResp.Encode())
	}

	for addr := 0; addr < 16; addr++ {
		want, _ := server.Value(Coils, addr)
		got, _ := other.Value(Coils, addr)
		if want != got {
			t.Errorf("coil %d: expected %d, got %d", addr, want, got)
		}
	}
}

func TestDispatcherMetrics(t *testing.T) {
	server := coilServer(t)

	server.ProcessRequest(Request{
		FunctionCode: FuncReadCoils,
		Data:         []byte{0x00, 0x00, 0x00, 0x01},
	})
	server.ProcessRequest(Request{FunctionCode: 0x2B})

	m := server.Metrics()
	if m.RequestsTotal.Value() != 2 {
		t.Errorf("RequestsTotal: expected 2, got %d", m.RequestsTotal.Value())
	}
	if m.Exceptions.Value() != 1 {
		t.Errorf("Exceptions: expected 1, got %d", m.Exceptions.Value())
	}
	fm := m.ForFunction(FuncReadCoils)
	if fm.Requests.Value() != 1 || fm.Exceptions.Value() != 0 {
		t.Errorf("ReadCoils metrics: expected (1, 0), got (%d, %d)",
			fm.Requests.Value(), fm.Exceptions.Value())
	}
}
