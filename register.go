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

// RegisterType identifies one of the four Modbus data tables.
type RegisterType int

// Register table types.
const (
	Invalid RegisterType = iota
	DiscreteInputs
	Coils
	InputRegisters
	HoldingRegisters
)

// String returns the string representation of the register type.
func (t RegisterType) String() string {
	switch t {
	case DiscreteInputs:
		return "discrete_inputs"
	case Coils:
		return "coils"
	case InputRegisters:
		return "input_registers"
	case HoldingRegisters:
		return "holding_registers"
	default:
		return "invalid"
	}
}

// RegisterUnit is a contiguous block of 16-bit values in one register table.
// The value at logical address a is Values[a-Start]. Coil and discrete input
// tables store their boolean state in the low bit of each word.
//
// On reads a negative Start selects the entire configured table.
type RegisterUnit struct {
	Type   RegisterType
	Start  int
	Values []uint16
}

// NewRegisterUnit creates a zero-initialized register unit of count values
// starting at address start.
func NewRegisterUnit(t RegisterType, start, count int) RegisterUnit {
	return RegisterUnit{
		Type:   t,
		Start:  start,
		Values: make([]uint16, count),
	}
}

// IsValid reports whether the unit refers to one of the four data tables.
func (u *RegisterUnit) IsValid() bool {
	return u.Type != Invalid
}

// contains reports whether address lies within the unit.
func (u *RegisterUnit) contains(address int) bool {
	return address >= u.Start && address < u.Start+len(u.Values)
}

// containsRange reports whether [start, start+count-1] lies within the unit.
// An empty unit contains no range.
func (u *RegisterUnit) containsRange(start, count int) bool {
	if count < 1 {
		return false
	}
	return start >= u.Start && start+count <= u.Start+len(u.Values)
}

// value returns the word at logical address a. The caller must have checked
// bounds.
func (u *RegisterUnit) value(address int) uint16 {
	return u.Values[address-u.Start]
}

// setValue stores v at logical address a. The caller must have checked
// bounds.
func (u *RegisterUnit) setValue(address int, v uint16) {
	u.Values[address-u.Start] = v
}

// clone returns a deep copy of the unit.
func (u *RegisterUnit) clone() RegisterUnit {
	c := RegisterUnit{Type: u.Type, Start: u.Start}
	if u.Values != nil {
		c.Values = make([]uint16, len(u.Values))
		copy(c.Values, u.Values)
	}
	return c
}

// RegisterMap describes the register layout of a server. It is the unit of
// configuration for SetMap; types missing from the map become empty,
// invalid tables.
type RegisterMap map[RegisterType]RegisterUnit

// NewRegisterMap builds a register map with zero-based tables of the given
// sizes. A size of zero leaves the corresponding table unconfigured.
func NewRegisterMap(discreteInputs, coils, inputRegisters, holdingRegisters int) RegisterMap {
	m := make(RegisterMap, 4)
	if discreteInputs > 0 {
		m[DiscreteInputs] = NewRegisterUnit(DiscreteInputs, 0, discreteInputs)
	}
	if coils > 0 {
		m[Coils] = NewRegisterUnit(Coils, 0, coils)
	}
	if inputRegisters > 0 {
		m[InputRegisters] = NewRegisterUnit(InputRegisters, 0, inputRegisters)
	}
	if holdingRegisters > 0 {
		m[HoldingRegisters] = NewRegisterUnit(HoldingRegisters, 0, holdingRegisters)
	}
	return m
}
