// Package loadlib implements spec.md §4.5: injecting a shared library into
// a traced process by calling glibc's private dlopen/dlclose entry points
// through the instruction injectors, backed by remote scratch memory
// allocated with an injected mmap.
package loadlib

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dfeich/procjack/inject"
	"github.com/dfeich/procjack/process"
)

var (
	ErrMmap    = errors.New("mmap error")
	ErrDlopen  = errors.New("dlopen error")
	ErrDlclose = errors.New("dlclose error")
)

const (
	rtldNow = 0x02

	sysMmap   = 9
	sysMunmap = 11
)

// DefaultScratchMappingSize is used when a caller has no opinion of its own
// (matching config.Config's ScratchMappingSize default).
const DefaultScratchMappingSize = 8192

// Load injects lib_path into p by calling libcPath's __libc_dlopen_mode,
// and returns the resulting dlopen handle. scratchMappingSize bytes are
// mmap'd in the tracee to hold the library path and a scratch call stack;
// callers normally pass config.Config.ScratchMappingSize.
func Load(p *process.Process, libcPath, libPath string, scratchMappingSize uint64) (uint64, error) {
	prot := uint64(unix.PROT_READ | unix.PROT_WRITE)
	flags := uint64(unix.MAP_ANONYMOUS | unix.MAP_PRIVATE)

	mmapResult, err := inject.Syscall(
		p, sysMmap, 0, scratchMappingSize, prot, flags, 0, 0)
	if err != nil {
		return 0, err
	}
	if mmapResult.Failed() || mmapResult.Raw == 0 {
		return 0, fmt.Errorf(
			"%w: mmap of scratch mapping failed: %s", ErrMmap, mmapResult.Errno)
	}
	mapping := uintptr(mmapResult.Raw)

	path := append([]byte(libPath), 0)
	if err := p.WriteMemArray(mapping, path); err != nil {
		return 0, err
	}

	dlopenAddr, err := p.ResolveSymbol(libcPath, "__libc_dlopen_mode")
	if err != nil {
		return 0, err
	}

	stackFrameAddr := mapping + uintptr(scratchMappingSize/2)
	handle, err := inject.Call(
		p, dlopenAddr, []uint64{uint64(mapping), rtldNow}, &stackFrameAddr)
	if err != nil {
		return 0, err
	}

	if _, err := inject.Syscall(p, sysMunmap, uint64(mapping), scratchMappingSize); err != nil {
		return 0, err
	}

	if handle == 0 {
		return 0, fmt.Errorf(
			"%w: __libc_dlopen_mode(%q) returned NULL, is the library path valid?",
			ErrDlopen, libPath)
	}

	return handle, nil
}

// Unload calls libcPath's __libc_dlclose on handle.
func Unload(p *process.Process, libcPath string, handle uint64) error {
	dlcloseAddr, err := p.ResolveSymbol(libcPath, "__libc_dlclose")
	if err != nil {
		return err
	}

	ret, err := inject.Call(p, dlcloseAddr, []uint64{handle}, nil)
	if err != nil {
		return err
	}

	if ret != 0 {
		return fmt.Errorf(
			"%w: __libc_dlclose(0x%x) returned %d, not 0", ErrDlclose, handle, ret)
	}

	return nil
}
