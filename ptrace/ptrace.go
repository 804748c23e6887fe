// Package ptrace is the thin, typed binding over the kernel's ptrace(2)
// tracing primitive and waitpid used to control a single tracee.
package ptrace

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
)

type requestType string

const (
	start       = requestType("start")
	attach      = requestType("attach")
	detach      = requestType("detach")
	resume      = requestType("resume")
	singlestep  = requestType("singlestep")
	getregs     = requestType("getregs")
	setregs     = requestType("setregs")
	peekdataReq = requestType("peekdata")
	pokedataReq = requestType("pokedata")
)

type request struct {
	requestType

	cmd *exec.Cmd

	signal int // resume

	regs *UserRegs // get/set regs

	addr uintptr // peek/poke data
	data uintptr // poke data

	responseChan chan response
}

type response struct {
	data uintptr
	err  error
}

// This ensures ptrace calls to a process are goroutine-safe.
//
// NOTE: all ptrace calls to a process, including PTRACE_TRACEME in
// os.StartProcess / exec.Cmd.Start, must originate from the same os thread.
//
// https://github.com/golang/go/issues/7699
// https://github.com/golang/go/issues/43685
type Tracer struct {
	cancel func()
	ctx    context.Context

	// Reminder: requestChan is blocking.  responseChan(s) are non-blocking.
	requestChan chan request

	mutex sync.Mutex

	_pid int // guarded by mutex
}

func newTracer(pid int) *Tracer {
	ctx, cancel := context.WithCancel(context.Background())

	tracer := &Tracer{
		cancel:      cancel,
		ctx:         ctx,
		requestChan: make(chan request),
		_pid:        pid,
	}

	go tracer.processRequests()
	return tracer
}

// AttachToProcess begins tracing an already-running process. The caller
// must still reap the initial stop via Wait (spec.md §4.3 attach()).
func AttachToProcess(pid int) (*Tracer, error) {
	tracer := newTracer(pid)

	_, err := tracer.send(request{
		requestType: attach,
	})
	if err != nil {
		close(tracer.requestChan) // shutdown process thread
		return nil, err
	}

	return tracer, nil
}

// StartAndAttachToProcess spawns cmd with PTRACE_TRACEME and attaches to it.
// This is a convenience for tests; spec.md's core contract only requires
// attaching to an existing pid.
func StartAndAttachToProcess(cmd *exec.Cmd) (*Tracer, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	// Child process invokes PTRACE_TRACEME on start.
	cmd.SysProcAttr.Ptrace = true

	tracer := newTracer(0)

	_, err := tracer.send(request{
		requestType: start,
		cmd:         cmd,
	})
	if err != nil {
		close(tracer.requestChan) // shutdown process thread
		return nil, err
	}

	return tracer, nil
}

func (tracer *Tracer) Pid() int {
	tracer.mutex.Lock()
	defer tracer.mutex.Unlock()

	return tracer._pid
}

func (tracer *Tracer) setPid(pid int) {
	tracer.mutex.Lock()
	defer tracer.mutex.Unlock()

	tracer._pid = pid
}

func (tracer *Tracer) processRequests() {
	runtime.LockOSThread()
	defer func() {
		tracer.cancel()
		runtime.UnlockOSThread()
	}()

	pid := tracer.Pid()
	for req := range tracer.requestChan {
		switch req.requestType {
		case start:
			err := req.cmd.Start()
			if err != nil {
				err = fmt.Errorf("failed to start process: %w", err)
			} else {
				pid = req.cmd.Process.Pid
				tracer.setPid(pid)
			}

			req.responseChan <- response{
				err: err,
			}
		case attach:
			err := syscall.PtraceAttach(tracer.Pid())
			if err != nil {
				err = fmt.Errorf("failed to attach to process %d: %w", pid, err)
			}

			req.responseChan <- response{
				err: err,
			}
		case detach:
			err := syscall.PtraceDetach(pid)
			if err != nil {
				err = fmt.Errorf("failed to detach from process %d: %w", pid, err)
			}

			req.responseChan <- response{
				err: err,
			}

			return
		case resume:
			err := syscall.PtraceCont(pid, req.signal)
			if err != nil {
				err = fmt.Errorf("failed to resume process %d: %w", pid, err)
			}

			req.responseChan <- response{
				err: err,
			}
		case singlestep:
			err := syscall.PtraceSingleStep(pid)
			if err != nil {
				err = fmt.Errorf("failed to single step process %d: %w", pid, err)
			}

			req.responseChan <- response{
				err: err,
			}
		case getregs:
			err := syscall.PtraceGetRegs(pid, req.regs)
			if err != nil {
				err = fmt.Errorf(
					"failed to get general register values from process %d: %w",
					pid,
					err)
			}

			req.responseChan <- response{
				err: err,
			}
		case setregs:
			err := syscall.PtraceSetRegs(pid, req.regs)
			if err != nil {
				err = fmt.Errorf(
					"failed to set general register values for process %d: %w",
					pid,
					err)
			}

			req.responseChan <- response{
				err: err,
			}
		case peekdataReq:
			data, err := peekData(pid, req.addr)

			resp := response{}
			if err == nil {
				resp.data = data
			} else {
				resp.err = fmt.Errorf(
					"failed to peek data (0x%x) for process %d: %w",
					req.addr,
					pid,
					err)
			}

			req.responseChan <- resp
		case pokedataReq:
			err := pokeData(pid, req.addr, req.data)
			if err != nil {
				err = fmt.Errorf(
					"failed to poke data (0x%x ; 0x%x) for process %d: %w",
					req.addr,
					req.data,
					pid,
					err)
			}

			req.responseChan <- response{
				err: err,
			}
		}
	}
}

func (tracer *Tracer) send(req request) (response, error) {
	respChan := make(chan response, 1)
	req.responseChan = respChan

	select {
	case <-tracer.ctx.Done():
		return response{}, fmt.Errorf(
			"invalid operation. tracer has detached from process %d",
			tracer.Pid())
	case tracer.requestChan <- req:
		resp := <-respChan
		return resp, resp.err
	}
}

func (tracer *Tracer) Detach() error {
	_, err := tracer.send(request{
		requestType: detach,
	})
	return err
}

func (tracer *Tracer) Resume(signal int) error {
	_, err := tracer.send(request{
		requestType: resume,
		signal:      signal,
	})
	return err
}

func (tracer *Tracer) SingleStep() error {
	_, err := tracer.send(request{
		requestType: singlestep,
	})
	return err
}

func (tracer *Tracer) GetGeneralRegisters() (*UserRegs, error) {
	out := &UserRegs{}
	_, err := tracer.send(request{
		requestType: getregs,
		regs:        out,
	})
	return out, err
}

func (tracer *Tracer) SetGeneralRegisters(in *UserRegs) error {
	_, err := tracer.send(request{
		requestType: setregs,
		regs:        in,
	})
	return err
}

// PeekData reads one 8-byte word at addr, bypassing page read permissions
// (spec.md §4.1 peek_word).
func (tracer *Tracer) PeekData(addr uintptr) (uintptr, error) {
	resp, err := tracer.send(request{
		requestType: peekdataReq,
		addr:        addr,
	})

	return resp.data, err
}

// PokeData writes one 8-byte word at addr, bypassing page write permissions
// (spec.md §4.1 poke_word).
func (tracer *Tracer) PokeData(addr uintptr, data uintptr) error {
	_, err := tracer.send(request{
		requestType: pokedataReq,
		addr:        addr,
		data:        data,
	})

	return err
}

// Wait reaps the tracee's next stop via waitpid(2). It does not need to run
// on the tracer's pinned OS thread: unlike ptrace(2) requests, wait() has no
// same-thread restriction.
//
// NOTE: golang does not support waitpid by name; Wait4 is its equivalent.
func (tracer *Tracer) Wait() (syscall.WaitStatus, error) {
	var status syscall.WaitStatus
	_, err := syscall.Wait4(tracer.Pid(), &status, 0, nil)
	if err != nil {
		return status, fmt.Errorf(
			"failed to wait for process %d: %w", tracer.Pid(), err)
	}
	return status, nil
}
