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
	"os"

	"github.com/edsrzf/mmap-go"
)

// Snapshot file layout, all fields big-endian so files are portable across
// architectures:
//
//	magic   u32
//	version u16
//	4 table records in snapshotOrder, each:
//	    valid u16, start u32, count u32, count*2 value bytes
const (
	snapshotMagic   uint32 = 0x4D425253 // "MBRS"
	snapshotVersion uint16 = 1

	snapshotFileHeader  = 6
	snapshotUnitHeader  = 10
	snapshotPermissions = 0o644
)

var snapshotOrder = [4]RegisterType{DiscreteInputs, Coils, InputRegisters, HoldingRegisters}

func snapshotSize(m RegisterMap) int {
	size := snapshotFileHeader
	for _, t := range snapshotOrder {
		size += snapshotUnitHeader + 2*len(m[t].Values)
	}
	return size
}

// SaveSnapshot writes the register map to a memory-mapped file at path,
// replacing any previous snapshot.
func SaveSnapshot(path string, m RegisterMap) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, snapshotPermissions)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(snapshotSize(m))); err != nil {
		return fmt.Errorf("resize snapshot: %w", err)
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("mmap snapshot: %w", err)
	}
	defer data.Unmap()

	binary.BigEndian.PutUint32(data[0:4], snapshotMagic)
	binary.BigEndian.PutUint16(data[4:6], snapshotVersion)

	off := snapshotFileHeader
	for _, t := range snapshotOrder {
		unit, ok := m[t]
		var valid uint16
		if ok && unit.IsValid() {
			valid = 1
		}
		binary.BigEndian.PutUint16(data[off:], valid)
		binary.BigEndian.PutUint32(data[off+2:], uint32(max(unit.Start, 0)))
		binary.BigEndian.PutUint32(data[off+6:], uint32(len(unit.Values)))
		off += snapshotUnitHeader
		for _, v := range unit.Values {
			binary.BigEndian.PutUint16(data[off:], v)
			off += 2
		}
	}

	return data.Flush()
}

// LoadSnapshot reads a register map from the memory-mapped file at path.
// Values are copied out of the mapping, so the returned map outlives it.
func LoadSnapshot(path string) (RegisterMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap snapshot: %w", err)
	}
	defer data.Unmap()

	if len(data) < snapshotFileHeader {
		return nil, fmt.Errorf("%w: truncated header", ErrInvalidSnapshot)
	}
	if binary.BigEndian.Uint32(data[0:4]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidSnapshot)
	}
	if v := binary.BigEndian.Uint16(data[4:6]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, v)
	}

	m := make(RegisterMap, 4)
	off := snapshotFileHeader
	for _, t := range snapshotOrder {
		if len(data)-off < snapshotUnitHeader {
			return nil, fmt.Errorf("%w: truncated %s record", ErrInvalidSnapshot, t)
		}
		valid := binary.BigEndian.Uint16(data[off:])
		start := int(binary.BigEndian.Uint32(data[off+2:]))
		count := int(binary.BigEndian.Uint32(data[off+6:]))
		off += snapshotUnitHeader

		if count > 0x10000 || len(data)-off < 2*count {
			return nil, fmt.Errorf("%w: truncated %s values", ErrInvalidSnapshot, t)
		}
		values := make([]uint16, count)
		for i := range values {
			values[i] = binary.BigEndian.Uint16(data[off:])
			off += 2
		}

		if valid != 0 {
			m[t] = RegisterUnit{Type: t, Start: start, Values: values}
		}
	}
	return m, nil
}
