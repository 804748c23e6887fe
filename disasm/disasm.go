// Package disasm decodes x86-64 instructions for the injector audit trail:
// before an injector overwrites the bytes at rip with a syscall or call
// stub, it logs what instruction it is about to clobber.
package disasm

import (
	"bytes"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const maxX64InstructionLength = 15

var (
	endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}
	endbr32 = []byte{0xf3, 0x0f, 0x1e, 0xfb}
)

// Instruction is one decoded x86-64 instruction, or an endbr32/endbr64
// landing pad that x86asm has historically misdecoded.
type Instruction struct {
	Address uint64

	IsEndbr64 bool
	IsEndbr32 bool

	x86asm.Inst
}

func (inst Instruction) String() string {
	if inst.IsEndbr64 {
		return fmt.Sprintf("0x%016x: endbr64", inst.Address)
	} else if inst.IsEndbr32 {
		return fmt.Sprintf("0x%016x: endbr32", inst.Address)
	}

	return fmt.Sprintf(
		"0x%016x: %s",
		inst.Address,
		x86asm.GNUSyntax(inst.Inst, inst.Address, nil))
}

// Decode decodes the single instruction at the start of code, which must be
// addressed at address. It is used to describe exactly one instruction (the
// one about to be overwritten by a stub), not a run of code.
func Decode(address uint64, code []byte) (Instruction, error) {
	if len(code) == 0 {
		return Instruction{}, fmt.Errorf("no bytes to decode")
	}

	if len(code) >= len(endbr64) && bytes.Equal(code[:len(endbr64)], endbr64) {
		return Instruction{Address: address, IsEndbr64: true}, nil
	}
	if len(code) >= len(endbr32) && bytes.Equal(code[:len(endbr32)], endbr32) {
		return Instruction{Address: address, IsEndbr32: true}, nil
	}

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf(
			"failed to decode instruction at 0x%x: %w", address, err)
	}

	return Instruction{Address: address, Inst: inst}, nil
}

// MaxInstructionLength is the longest possible x86-64 instruction encoding,
// used by callers deciding how many bytes to read before calling Decode.
func MaxInstructionLength() int {
	return maxX64InstructionLength
}
