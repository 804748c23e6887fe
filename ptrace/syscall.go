package ptrace

import (
	"syscall"
	"unsafe"
)

// This matches user_regs_struct (64bit variant) defined in <sys/user.h>.
// It is a binary contract: field order and width must match the kernel ABI
// exchanged by PTRACE_GETREGS/PTRACE_SETREGS exactly.
type UserRegs = syscall.PtraceRegs

func ptrace(request int, pid int, addr uintptr, data uintptr) error {
	_, _, err := syscall.Syscall6(
		syscall.SYS_PTRACE,
		uintptr(request),
		uintptr(pid),
		addr,
		data,
		0,
		0)
	if err == 0 {
		return nil
	}
	return err
}

func ptracePtr(request int, pid int, addr uintptr, data unsafe.Pointer) error {
	return ptrace(request, pid, addr, uintptr(data))
}

// peekData reads one word at addr.
//
// NOTE: since this issues the raw SYS_PTRACE syscall directly instead of
// going through libc's ptrace(2) wrapper, PTRACE_PEEKDATA follows the
// kernel's calling convention, not glibc's: the "C library/kernel
// differences" section of ptrace(2) explains that the kernel writes the
// peeked word through the data pointer and returns 0 on success, whereas
// glibc's wrapper returns the peeked word directly (and so cannot
// distinguish a peeked value of -1 from a failed call without separately
// consulting errno). Passing a valid output pointer sidesteps that
// ambiguity entirely; Go's raw syscall ABI reports the kernel's errno back
// from the same call, so there is no separate clear-errno/read-errno dance
// to perform here.
func peekData(pid int, addr uintptr) (uintptr, error) {
	data := uintptr(0)
	err := ptracePtr(syscall.PTRACE_PEEKDATA, pid, addr, unsafe.Pointer(&data))
	return data, err
}

func pokeData(pid int, addr uintptr, data uintptr) error {
	return ptrace(syscall.PTRACE_POKEDATA, pid, addr, data)
}
