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
	"encoding/binary"
	"fmt"
)

// exceptionBit marks a response PDU as an exception when set in the
// function code.
const exceptionBit = 0x80

// Request is a decoded Modbus request PDU: a function code followed by a
// function-specific payload.
type Request struct {
	FunctionCode FunctionCode
	Data         []byte
}

// Encode encodes the request to wire format.
func (r Request) Encode() []byte {
	buf := make([]byte, 1+len(r.Data))
	buf[0] = byte(r.FunctionCode)
	copy(buf[1:], r.Data)
	return buf
}

// DecodeRequest decodes a request PDU from wire bytes. The payload is
// copied, never aliased. An empty or oversized buffer is a decode error.
func DecodeRequest(pdu []byte) (Request, error) {
	if len(pdu) < 1 {
		return Request{}, fmt.Errorf("%w: empty PDU", ErrShortPDU)
	}
	if len(pdu) > MaxPDUSize {
		return Request{}, fmt.Errorf("%w: PDU exceeds %d bytes", ErrInvalidFrame, MaxPDUSize)
	}
	req := Request{FunctionCode: FunctionCode(pdu[0])}
	if len(pdu) > 1 {
		req.Data = make([]byte, len(pdu)-1)
		copy(req.Data, pdu[1:])
	}
	return req, nil
}

// Response is a Modbus response PDU. A success response echoes the request
// function code; an exception response carries the function code with the
// high bit set and a one-byte exception code payload.
type Response struct {
	FunctionCode FunctionCode
	Data         []byte
}

// NewResponse builds a success response for fc with the given payload.
func NewResponse(fc FunctionCode, data []byte) Response {
	return Response{FunctionCode: fc, Data: data}
}

// NewExceptionResponse builds an exception response for fc carrying code.
func NewExceptionResponse(fc FunctionCode, code ExceptionCode) Response {
	return Response{
		FunctionCode: fc | exceptionBit,
		Data:         []byte{byte(code)},
	}
}

// IsException reports whether the response is an exception response.
func (r Response) IsException() bool {
	return r.FunctionCode&exceptionBit != 0
}

// ExceptionCode returns the exception code of an exception response, or
// zero for a success response.
func (r Response) ExceptionCode() ExceptionCode {
	if !r.IsException() || len(r.Data) < 1 {
		return 0
	}
	return ExceptionCode(r.Data[0])
}

// Encode encodes the response to wire format.
func (r Response) Encode() []byte {
	buf := make([]byte, 1+len(r.Data))
	buf[0] = byte(r.FunctionCode)
	copy(buf[1:], r.Data)
	return buf
}

// uint16At reads a big-endian word at offset off. The caller must have
// checked the payload length.
func uint16At(data []byte, off int) uint16 {
	return binary.BigEndian.Uint16(data[off : off+2])
}

// putUint16 writes a big-endian word into buf at offset off.
func putUint16(buf []byte, off int, v uint16) {
	binary.BigEndian.PutUint16(buf[off:off+2], v)
}

// coilByteCount returns the number of bytes needed to pack quantity coils.
func coilByteCount(quantity uint16) int {
	return (int(quantity) + 7) / 8
}

// packCoils packs words (low bit significant) into bytes, bit 0 of each
// byte holding the lowest-address coil of its group. Trailing pad bits of
// the final byte stay zero.
func packCoils(values []uint16) []byte {
	packed := make([]byte, coilByteCount(uint16(len(values))))
	for i, v := range values {
		if v&1 != 0 {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	return packed
}

// unpackCoils is the inverse of packCoils: it extracts quantity coil values
// from packed bytes, ignoring trailing pad bits.
func unpackCoils(packed []byte, quantity uint16) []uint16 {
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = uint16(packed[i/8]>>(i%8)) & 1
	}
	return values
}
