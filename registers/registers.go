// Package registers provides the x86-64 general-purpose register frame
// exchanged by spec.md §4.1's get_regs/set_regs, plus named sub-register
// accessors (eax, ax, ah, al, ...) layered on top of it for display and
// scripted inspection.
//
// The frame itself (Frame) is a type alias for ptrace.UserRegs: it is a
// binary contract with the kernel and must not be reshaped.
package registers

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unsafe"

	"github.com/dfeich/procjack/ptrace"
)

// Frame is the GP register frame spec.md §3 describes, laid out exactly as
// the kernel's PTRACE_GETREGS/PTRACE_SETREGS expect.
type Frame = ptrace.UserRegs

// Value is a fixed-width register value. Uint variants are zero extended,
// Int variants are sign extended, matching the teacher corpus's convention.
type Value interface {
	Size() uintptr
	String() string
	ToUint64() uint64
}

type Uint[T uint8 | uint16 | uint32 | uint64] struct {
	Value T
}

func (u Uint[T]) Size() uintptr      { return unsafe.Sizeof(u.Value) }
func (u Uint[T]) ToUint64() uint64   { return uint64(u.Value) }
func (u Uint[T]) String() string {
	return fmt.Sprintf(fmt.Sprintf("0x%%0%dx", u.Size()*2), u.Value)
}

type Int[T int8 | int16 | int32 | int64] struct {
	Value T
}

func (i Int[T]) Size() uintptr    { return unsafe.Sizeof(i.Value) }
func (i Int[T]) ToUint64() uint64 { return uint64(int64(i.Value)) }
func (i Int[T]) String() string {
	return fmt.Sprintf(fmt.Sprintf("0x%%0%dx", i.Size()*2), i.Value)
}

type (
	Uint8  = Uint[uint8]
	Uint16 = Uint[uint16]
	Uint32 = Uint[uint32]
	Uint64 = Uint[uint64]
	Int8   = Int[int8]
	Int16  = Int[int16]
	Int32  = Int[int32]
	Int64  = Int[int64]
)

// Spec describes one named register or sub-register view onto Frame.
type Spec struct {
	Name string

	Size uintptr // register size in bytes

	// Field is the Frame struct field this register (or its parent, for
	// sub-registers) is stored in.
	Field string

	// IsHighRegister is set for the legacy 8-bit "high" byte registers
	// (ah, bh, ch, dh).
	IsHighRegister bool
}

func (reg Spec) ParseValue(value string) (Value, error) {
	if strings.HasPrefix(value, "i:") {
		bitSize := int(reg.Size * 8)
		intValue, err := strconv.ParseInt(value[2:], 0, bitSize)
		if err != nil {
			return nil, fmt.Errorf("failed to parse int (%s): %w", value[2:], err)
		}

		switch reg.Size {
		case 1:
			return Int8{Value: int8(intValue)}, nil
		case 2:
			return Int16{Value: int16(intValue)}, nil
		case 4:
			return Int32{Value: int32(intValue)}, nil
		case 8:
			return Int64{Value: intValue}, nil
		default:
			panic(fmt.Sprintf("unhandled size %d", reg.Size))
		}
	}

	bitSize := int(reg.Size * 8)
	uintValue, err := strconv.ParseUint(value, 0, bitSize)
	if err != nil {
		return nil, fmt.Errorf("failed to parse uint (%s): %w", value, err)
	}

	switch reg.Size {
	case 1:
		return Uint8{Value: uint8(uintValue)}, nil
	case 2:
		return Uint16{Value: uint16(uintValue)}, nil
	case 4:
		return Uint32{Value: uint32(uintValue)}, nil
	case 8:
		return Uint64{Value: uintValue}, nil
	default:
		panic(fmt.Sprintf("unhandled size %d", reg.Size))
	}
}

// GetValue extracts reg's current value out of frame.
func GetValue(frame *Frame, reg Spec) Value {
	field := reflect.ValueOf(*frame).FieldByName(reg.Field)
	value := field.Uint()

	if reg.Size == 1 && reg.IsHighRegister {
		value >>= 8
	}

	switch reg.Size {
	case 1:
		return Uint8{Value: uint8(value)}
	case 2:
		return Uint16{Value: uint16(value)}
	case 4:
		return Uint32{Value: uint32(value)}
	case 8:
		return Uint64{Value: value}
	default:
		panic(fmt.Sprintf("invalid register: %#v", reg))
	}
}

// SetValue installs value into reg's slot of frame. Only whole-field
// (64-bit) writes are supported: the ABIs procjack implements (syscall,
// System V call) only ever address full 64-bit argument registers, so
// sub-register read-modify-write is intentionally not implemented.
func SetValue(frame *Frame, reg Spec, value Value) error {
	if reg.Size != 8 {
		return fmt.Errorf(
			"cannot set sub-register %s: only 64-bit register writes are supported",
			reg.Name)
	}

	field := reflect.Indirect(reflect.ValueOf(frame)).FieldByName(reg.Field)
	field.SetUint(value.ToUint64())
	return nil
}

var (
	orderedSpecs []Spec
	byName       = map[string]Spec{}
)

func addRegister(name string, size uintptr, field string, isHigh bool) {
	spec := Spec{Name: name, Size: size, Field: field, IsHighRegister: isHigh}
	orderedSpecs = append(orderedSpecs, spec)
	byName[name] = spec
}

// ByName looks up a register or sub-register by its assembly name (rax,
// eax, ax, ah, al, rdi, edi, ...).
func ByName(name string) (Spec, bool) {
	spec, ok := byName[name]
	return spec, ok
}

// All returns every known register/sub-register spec in declaration order.
func All() []Spec {
	return append([]Spec(nil), orderedSpecs...)
}

func init() {
	// Legacy x86 extended registers: e-prefixed 32-bit, bare 16-bit, and
	// either ah/al-style or sil-style 8-bit aliases depending on whether the
	// register has a historical high-byte half.
	legacy := strings.Split("rax rbx rcx rdx rsi rdi rbp rsp", " ")
	for _, name := range legacy {
		field := fieldNameFor(name)
		addRegister(name, 8, field, false)
		addRegister("e"+name[1:], 4, field, false)
		addRegister(name[1:], 2, field, false)

		if name[2] == 'x' { // rax, rbx, rcx, rdx
			prefix := name[1:2]
			addRegister(prefix+"h", 1, field, true)
			addRegister(prefix+"l", 1, field, false)
		} else { // rsi, rdi, rbp, rsp
			addRegister(name[1:]+"l", 1, field, false)
		}
	}

	// Newer x86-64 registers: d/w/b-suffixed 32/16/8-bit aliases.
	for i := 8; i <= 15; i++ {
		name := fmt.Sprintf("r%d", i)
		field := fieldNameFor(name)
		addRegister(name, 8, field, false)
		addRegister(name+"d", 4, field, false)
		addRegister(name+"w", 2, field, false)
		addRegister(name+"b", 1, field, false)
	}

	// Registers with no narrower sub-register aliases.
	noAlias := strings.Split(
		"rip eflags cs fs gs ss ds es orig_rax fs_base gs_base", " ")
	for _, name := range noAlias {
		addRegister(name, 8, fieldNameFor(name), false)
	}
}

// fieldNameFor maps an assembly register name to ptrace.UserRegs's (i.e.
// syscall.PtraceRegs's) exported field name.
func fieldNameFor(name string) string {
	switch name {
	case "orig_rax":
		return "Orig_rax"
	case "fs_base":
		return "Fs_base"
	case "gs_base":
		return "Gs_base"
	default:
		return strings.ToUpper(name[0:1]) + name[1:]
	}
}
