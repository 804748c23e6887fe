// Package process is the core engine: it owns a traced process's lifecycle,
// exposes register and memory I/O in both word and array modes, provides
// scoped-restore variants of both, and resolves a named symbol's address in
// the tracee from a locally loaded copy of the same shared library.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"plugin"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dfeich/procjack/maps"
	"github.com/dfeich/procjack/procfs"
	"github.com/dfeich/procjack/procmem"
	"github.com/dfeich/procjack/ptrace"
	"github.com/dfeich/procjack/registers"
)

// Error kinds. Every failure surfaced by this package wraps exactly one of
// these sentinels so callers can classify with errors.Is.
var (
	ErrTrace   = errors.New("trace error")
	ErrVM      = errors.New("vm error")
	ErrResolve = errors.New("resolve error")
	ErrUsage   = errors.New("usage error")
)

type state int

const (
	detached state = iota
	attached
)

// Process is the core handle: the exclusive tracer of one pid while
// attached. It is not safe for concurrent use from multiple goroutines; a
// caller sharing one across goroutines must serialize its own access.
type Process struct {
	tracer *ptrace.Tracer
	pid    int
	state  state

	regsScopeOpen bool
	waitTimeout   time.Duration
}

// Option configures a Process at construction time.
type Option func(*Process)

// WithWaitTimeout bounds every wait on the tracee's next stop (spec.md O-3:
// the core contract does not mandate one, so the zero value, the default,
// waits forever).
func WithWaitTimeout(d time.Duration) Option {
	return func(p *Process) {
		p.waitTimeout = d
	}
}

// AttachToProcess attaches to an already-running pid and reaps the initial
// SIGSTOP (spec.md §4.3 attach()).
func AttachToProcess(pid int, opts ...Option) (*Process, error) {
	tracer, err := ptrace.AttachToProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTrace, err)
	}

	p := &Process{tracer: tracer, pid: pid, state: attached}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.wait(syscall.SIGSTOP); err != nil {
		return nil, err
	}
	if err := p.checkTracingStop(); err != nil {
		return nil, err
	}

	logrus.Debugf("attached to process %d", pid)
	return p, nil
}

// StartAndAttach spawns cmd under PTRACE_TRACEME and attaches to it. This is
// a convenience for tests and for launching a fresh tracee.
func StartAndAttach(cmd *exec.Cmd, opts ...Option) (*Process, error) {
	tracer, err := ptrace.StartAndAttachToProcess(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTrace, err)
	}

	p := &Process{tracer: tracer, pid: tracer.Pid(), state: attached}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.wait(syscall.SIGSTOP); err != nil {
		return nil, err
	}
	if err := p.checkTracingStop(); err != nil {
		return nil, err
	}

	logrus.Debugf("started and attached to process %d", p.pid)
	return p, nil
}

// Pid returns the tracee's pid.
func (p *Process) Pid() int {
	return p.pid
}

func (p *Process) checkAttached() error {
	if p.state != attached {
		return fmt.Errorf("%w: process %d is detached", ErrUsage, p.pid)
	}
	return nil
}

// wait reaps the tracee's next stop and fails loudly (spec.md O-1) if the
// received signal does not match expected. If waitTimeout is set (O-3), a
// stop that takes longer than it is itself a hard failure.
func (p *Process) wait(expected syscall.Signal) error {
	status, err := p.waitForStop()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTrace, err)
	}

	if !status.Stopped() {
		return fmt.Errorf(
			"%w: process %d did not stop (status %v)", ErrTrace, p.pid, status)
	}

	received := status.StopSignal()
	if received != expected {
		return fmt.Errorf(
			"%w: process %d stopped by unexpected signal %s (expected %s)",
			ErrTrace, p.pid, received, expected)
	}

	return nil
}

// waitForStop reaps the tracee's next stop, bounded by waitTimeout when
// set.
func (p *Process) waitForStop() (syscall.WaitStatus, error) {
	if p.waitTimeout <= 0 {
		return p.tracer.Wait()
	}

	type result struct {
		status syscall.WaitStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := p.tracer.Wait()
		done <- result{status, err}
	}()

	select {
	case r := <-done:
		return r.status, r.err
	case <-time.After(p.waitTimeout):
		return syscall.WaitStatus(0), fmt.Errorf(
			"timed out after %s waiting for process %d to stop",
			p.waitTimeout, p.pid)
	}
}

// checkTracingStop cross-checks /proc/<pid>/stat after a SIGSTOP wait: a
// tracee the kernel just stopped for us must report state "t" (tracing
// stop). Anything else means the wait raced some other stop and the
// tracer's idea of the tracee's state can no longer be trusted.
func (p *Process) checkTracingStop() error {
	status, err := procfs.GetProcessStatus(p.pid)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTrace, err)
	}

	if status.State != procfs.TracingStop {
		return fmt.Errorf(
			"%w: process %d reports state %q after SIGSTOP wait, expected %q",
			ErrTrace, p.pid, status.State, procfs.TracingStop)
	}

	return nil
}

// Detach ends tracing and resumes the tracee.
func (p *Process) Detach() error {
	if err := p.checkAttached(); err != nil {
		return err
	}

	err := p.tracer.Detach()
	p.state = detached
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTrace, err)
	}

	logrus.Debugf("detached from process %d", p.pid)
	return nil
}

// Step resumes the tracee for exactly one instruction, expecting SIGTRAP.
func (p *Process) Step() error {
	if err := p.checkAttached(); err != nil {
		return err
	}

	if err := p.tracer.SingleStep(); err != nil {
		return fmt.Errorf("%w: %s", ErrTrace, err)
	}

	return p.wait(syscall.SIGTRAP)
}

// Continue resumes the tracee until its next stop, expecting SIGTRAP
// (delivered by a planted int3, per the call injector).
func (p *Process) Continue() error {
	if err := p.checkAttached(); err != nil {
		return err
	}

	if err := p.tracer.Resume(0); err != nil {
		return fmt.Errorf("%w: %s", ErrTrace, err)
	}

	return p.wait(syscall.SIGTRAP)
}

// GetRegs snapshots the tracee's full register frame.
func (p *Process) GetRegs() (*registers.Frame, error) {
	if err := p.checkAttached(); err != nil {
		return nil, err
	}

	regs, err := p.tracer.GetGeneralRegisters()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTrace, err)
	}
	return regs, nil
}

// SetRegs installs a full register frame into the tracee.
func (p *Process) SetRegs(frame *registers.Frame) error {
	if err := p.checkAttached(); err != nil {
		return err
	}

	if err := p.tracer.SetGeneralRegisters(frame); err != nil {
		return fmt.Errorf("%w: %s", ErrTrace, err)
	}
	return nil
}

// GetRegsAndRestore snapshots the register frame, yields it to fn for
// mutation, and re-applies the original snapshot on every exit path from fn
// (including panics). fn is responsible for calling SetRegs if it wants its
// mutations to take effect for the duration of the scope.
//
// Nesting two register-restore scopes on the same Process concurrently is a
// usage error; this is enforced with a single open-scope flag rather than a
// counter, matching spec.md's "interleaving two register restorations is a
// usage error" invariant.
func (p *Process) GetRegsAndRestore(
	fn func(frame *registers.Frame) error,
) error {
	if err := p.checkAttached(); err != nil {
		return err
	}
	if p.regsScopeOpen {
		return fmt.Errorf(
			"%w: register-restore scope already open on process %d",
			ErrUsage, p.pid)
	}

	backup, err := p.GetRegs()
	if err != nil {
		return err
	}
	snapshot := *backup

	p.regsScopeOpen = true
	defer func() {
		p.regsScopeOpen = false
		if restoreErr := p.SetRegs(&snapshot); restoreErr != nil {
			logrus.Warnf(
				"failed to restore registers for process %d: %s",
				p.pid, restoreErr)
		}
	}()

	return fn(backup)
}

// ReadMemWords reads n 8-byte words at addr via the tracing primitive's
// peek operation. This bypasses page read permissions.
func (p *Process) ReadMemWords(addr uintptr, n int) ([]byte, error) {
	if err := p.checkAttached(); err != nil {
		return nil, err
	}

	result := make([]byte, 0, 8*n)
	for i := 0; i < n; i++ {
		word, err := p.tracer.PeekData(addr + uintptr(8*i))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrTrace, err)
		}

		var buf [8]byte
		for j := 0; j < 8; j++ {
			buf[j] = byte(word >> (8 * j))
		}
		result = append(result, buf[:]...)
	}

	return result, nil
}

// WriteMemWords writes data (whose length must be a multiple of 8) at addr
// via the tracing primitive's poke operation. This bypasses page write
// permissions.
func (p *Process) WriteMemWords(addr uintptr, data []byte) error {
	if err := p.checkAttached(); err != nil {
		return err
	}
	if len(data)%8 != 0 {
		return fmt.Errorf(
			"%w: data length %d is not a multiple of 8", ErrUsage, len(data))
	}

	for i := 0; i < len(data); i += 8 {
		var word uintptr
		for j := 0; j < 8; j++ {
			word |= uintptr(data[i+j]) << (8 * j)
		}

		if err := p.tracer.PokeData(addr+uintptr(i), word); err != nil {
			return fmt.Errorf("%w: %s", ErrTrace, err)
		}
	}

	return nil
}

// WriteMemWordsAndRestore reads len(data) bytes of current memory, writes
// data over it, yields to fn, then restores the original bytes on every
// exit path.
func (p *Process) WriteMemWordsAndRestore(
	addr uintptr,
	data []byte,
	fn func() error,
) error {
	if len(data)%8 != 0 {
		return fmt.Errorf(
			"%w: data length %d is not a multiple of 8", ErrUsage, len(data))
	}

	backup, err := p.ReadMemWords(addr, len(data)/8)
	if err != nil {
		return err
	}

	if err := p.WriteMemWords(addr, data); err != nil {
		return err
	}

	defer func() {
		if restoreErr := p.WriteMemWords(addr, backup); restoreErr != nil {
			logrus.Warnf(
				"failed to restore memory at 0x%x for process %d: %s",
				addr, p.pid, restoreErr)
		}
	}()

	return fn()
}

// ReadMemArray reads size bytes at addr via process_vm_readv. This obeys
// page read permissions; a short transfer is a hard failure.
func (p *Process) ReadMemArray(addr uintptr, size int) ([]byte, error) {
	if err := p.checkAttached(); err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	if err := procmem.ReadVM(p.pid, addr, buf); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrVM, err)
	}
	return buf, nil
}

// WriteMemArray writes data at addr via process_vm_writev. This obeys page
// write permissions; a short transfer is a hard failure.
func (p *Process) WriteMemArray(addr uintptr, data []byte) error {
	if err := p.checkAttached(); err != nil {
		return err
	}

	if err := procmem.WriteVM(p.pid, addr, data); err != nil {
		return fmt.Errorf("%w: %s", ErrVM, err)
	}
	return nil
}

// WriteMemArrayAndRestore is WriteMemWordsAndRestore's bulk-mode analog.
func (p *Process) WriteMemArrayAndRestore(
	addr uintptr,
	data []byte,
	fn func() error,
) error {
	backup, err := p.ReadMemArray(addr, len(data))
	if err != nil {
		return err
	}

	if err := p.WriteMemArray(addr, data); err != nil {
		return err
	}

	defer func() {
		if restoreErr := p.WriteMemArray(addr, backup); restoreErr != nil {
			logrus.Warnf(
				"failed to restore memory at 0x%x for process %d: %s",
				addr, p.pid, restoreErr)
		}
	}()

	return fn()
}

// GetMaps parses the tracee's memory maps, optionally keeping only the
// mappings for which filter_ holds.
func (p *Process) GetMaps(filter_ maps.Filter) ([]maps.Mapping, error) {
	mappings, err := maps.GetFiltered(p.pid, filter_)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTrace, err)
	}
	return mappings, nil
}

// AuxiliaryVector reads the tracee's auxiliary vector (AT_* entries passed
// by the kernel at exec time: page size, entry point, load base, and so
// on).
func (p *Process) AuxiliaryVector() (
	map[procfs.AuxiliaryVectorEntryType]uint64, error,
) {
	if err := p.checkAttached(); err != nil {
		return nil, err
	}

	auxv, err := procfs.GetAuxiliaryVector(p.pid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTrace, err)
	}
	return auxv, nil
}

// ResolveSymbol implements spec.md's get_sym_addr: it computes symName's
// offset from a writable-segment anchor of libPath, then re-anchors that
// offset against the same writable-segment filter applied to the tracee's
// own maps.
//
// The writable segment (not the executable one) is used as the anchor on
// both sides; spec.md O-2 pins this choice without further justification.
//
// The offset is computed one of two ways. The preferred path dynamically
// loads libPath into the controlling process with Go's plugin package
// (running any constructors it defines — a documented side effect) and
// measures the symbol's address relative to its own writable mapping of the
// library, mirroring the ctypes-based dlopen lookup this is grounded on.
// Go's plugin package, however, only opens Go-built "-buildmode=plugin"
// shared objects: it cannot dlopen an arbitrary C library such as
// libc.so.6. For those, ResolveSymbol falls back to reading libPath's
// dynamic symbol table and writable program header directly off disk and
// computing the same offset without ever mapping the library into this
// process — a deviation from the original's dlopen-everything strategy,
// but one that also avoids running unwanted constructors for the common
// case (resolving glibc entry points).
func (p *Process) ResolveSymbol(libPath, symName string) (uintptr, error) {
	offset, err := resolveViaGoPlugin(libPath, symName)
	if err != nil {
		logrus.Debugf(
			"plugin-based resolution of %s in %s failed (%s), "+
				"falling back to ELF symbol table", symName, libPath, err)
		offset, err = resolveViaELF(libPath, symName)
	}
	if err != nil {
		return 0, err
	}

	remoteAnchor, err := writableAnchor(p.pid, libPath)
	if err != nil {
		return 0, err
	}

	return uintptr(remoteAnchor.StartAddress) + offset, nil
}

func writableAnchor(pid int, libPath string) (maps.Mapping, error) {
	filter_ := maps.And(maps.HasPath(libPath), maps.HasPerms("w"))

	mappings, err := maps.GetFiltered(pid, filter_)
	if err != nil {
		return maps.Mapping{}, fmt.Errorf("%w: %s", ErrResolve, err)
	}
	if len(mappings) == 0 {
		return maps.Mapping{}, fmt.Errorf(
			"%w: no writable mapping of %s found in process %d",
			ErrResolve, libPath, pid)
	}

	return mappings[0], nil
}

// resolveViaGoPlugin loads libPath into the controller with Go's plugin
// package and returns symName's offset from libPath's own writable mapping
// in this process.
func resolveViaGoPlugin(libPath, symName string) (uintptr, error) {
	plug, err := plugin.Open(libPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrResolve, err)
	}

	sym, err := plug.Lookup(symName)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrResolve, err)
	}

	symAddr, err := addressOfPluginSymbol(sym)
	if err != nil {
		return 0, err
	}

	localAnchor, err := writableAnchor(os.Getpid(), libPath)
	if err != nil {
		return 0, err
	}

	return symAddr - uintptr(localAnchor.StartAddress), nil
}
