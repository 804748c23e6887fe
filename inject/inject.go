// Package inject composes the process controller's register/memory
// primitives into the two higher-level operations spec.md §4.4 calls
// instruction injectors: forcing a stopped tracee to execute one arbitrary
// syscall, or to call one of its own functions by address.
package inject

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dfeich/procjack/disasm"
	"github.com/dfeich/procjack/process"
	"github.com/dfeich/procjack/registers"
)

// syscallStub is "syscall" followed by zero padding so the word-mode write
// has a full 8-byte granule; only the first two bytes execute.
var syscallStub = []byte{0x0f, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// callStub is "call rax; int3" followed by padding. The int3 lets the
// called function run to completion and trap on return, instead of a
// single step which would only execute the call and land inside the
// callee.
var callStub = []byte{0xff, 0xd0, 0xcc, 0x00, 0x00, 0x00, 0x00, 0x00}

// syscallArgRegisters is the Linux syscall ABI argument order: r10, not
// rcx, carries the fourth argument.
var syscallArgRegisters = []string{"rdi", "rsi", "rdx", "r10", "r8", "r9"}

// callArgRegisters is the System V AMD64 calling convention argument order.
var callArgRegisters = []string{"rdi", "rsi", "rdx", "rcx", "r8", "r9"}

// SyscallResult is a raw syscall return value plus its errno decoding. A
// raw return value in [-4095, -1] is the kernel's negated-errno convention;
// Errno is non-zero exactly in that case.
type SyscallResult struct {
	Raw   int64
	Errno unix.Errno
}

func (r SyscallResult) Failed() bool {
	return r.Errno != 0
}

// Syscall makes p's stopped tracee execute syscall number nr with up to six
// arguments, then recovers the prior register and instruction-byte state.
func Syscall(p *process.Process, nr uint64, args ...uint64) (SyscallResult, error) {
	if len(args) > len(syscallArgRegisters) {
		return SyscallResult{}, fmt.Errorf(
			"too many syscall arguments: %d (max %d)",
			len(args), len(syscallArgRegisters))
	}

	var result SyscallResult

	err := p.GetRegsAndRestore(func(frame *registers.Frame) error {
		frame.Rax = nr
		for i, arg := range args {
			setArgRegister(frame, syscallArgRegisters[i], arg)
		}

		if err := p.SetRegs(frame); err != nil {
			return err
		}

		logStubTarget(p, uintptr(frame.Rip), "syscall")

		return p.WriteMemWordsAndRestore(
			uintptr(frame.Rip), syscallStub,
			func() error {
				if err := p.Step(); err != nil {
					return err
				}

				after, err := p.GetRegs()
				if err != nil {
					return err
				}

				result = decodeSyscallResult(after.Rax)
				return nil
			})
	})

	return result, err
}

// Call makes p's stopped tracee call fctAddr with up to six arguments,
// optionally with the stack redirected to stackFrameAddr (used when the
// current stack is unsuitable, e.g. when calling into freshly mmap'ed
// scratch memory), then recovers the prior register and instruction-byte
// state.
func Call(
	p *process.Process,
	fctAddr uintptr,
	args []uint64,
	stackFrameAddr *uintptr,
) (
	uint64,
	error,
) {
	if len(args) > len(callArgRegisters) {
		return 0, fmt.Errorf(
			"too many call arguments: %d (max %d)", len(args), len(callArgRegisters))
	}

	var result uint64

	err := p.GetRegsAndRestore(func(frame *registers.Frame) error {
		frame.Rax = uint64(fctAddr)
		for i, arg := range args {
			setArgRegister(frame, callArgRegisters[i], arg)
		}

		if stackFrameAddr != nil {
			frame.Rsp = uint64(*stackFrameAddr)
			frame.Rbp = frame.Rsp
		}

		if err := p.SetRegs(frame); err != nil {
			return err
		}

		logStubTarget(p, uintptr(frame.Rip), "call")

		return p.WriteMemWordsAndRestore(
			uintptr(frame.Rip), callStub,
			func() error {
				if err := p.Continue(); err != nil {
					return err
				}

				after, err := p.GetRegs()
				if err != nil {
					return err
				}

				result = after.Rax
				return nil
			})
	})

	return result, err
}

func setArgRegister(frame *registers.Frame, name string, value uint64) {
	reg, ok := registers.ByName(name)
	if !ok {
		panic("unknown register: " + name)
	}

	err := registers.SetValue(frame, reg, registers.Uint64{Value: value})
	if err != nil {
		panic(err) // whole-register writes on a 64-bit Spec never fail
	}
}

// decodeSyscallResult applies the kernel's negated-errno convention: a
// return value in [-4095, -1], reinterpreted as signed, is a failed
// syscall's -errno.
func decodeSyscallResult(rax uint64) SyscallResult {
	signed := int64(rax)

	if signed >= -4095 && signed < 0 {
		return SyscallResult{Raw: signed, Errno: unix.Errno(-signed)}
	}

	return SyscallResult{Raw: signed}
}

func logStubTarget(p *process.Process, rip uintptr, kind string) {
	code, err := p.ReadMemWords(rip, 1)
	if err != nil {
		return
	}

	inst, err := disasm.Decode(uint64(rip), code)
	if err != nil {
		logrus.Debugf(
			"process %d: about to overwrite undecodable instruction at "+
				"0x%x with %s stub", p.Pid(), rip, kind)
		return
	}

	logrus.Debugf(
		"process %d: overwriting %q with %s stub", p.Pid(), inst.String(), kind)
}
