// Package procmem implements the cross-process bulk memory transfer mode
// (process_vm_readv/writev, spec.md §4.3 "array mode") and the per-call
// /proc/<pid>/mem reader (spec.md §9, the non-caching variant).
package procmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const vmPageSize = 0x1000

// chunkRemoteIovecs splits [addr, addr+len(data)) into page-aligned remote
// iovecs. process_vm_readv/writev do not require page alignment in
// practice, but chunking at page boundaries keeps a single short transfer
// from straddling a permission boundary silently.
func chunkRemoteIovecs(addr uintptr, size int) []unix.RemoteIovec {
	var remoteIovs []unix.RemoteIovec
	remaining := size

	if addr%vmPageSize != 0 {
		pageEndAddr := ((addr + vmPageSize - 1) / vmPageSize) * vmPageSize

		chunk := int(pageEndAddr - addr)
		if remaining < chunk {
			chunk = remaining
		}

		remoteIovs = append(remoteIovs, unix.RemoteIovec{Base: addr, Len: chunk})
		remaining -= chunk
		addr += uintptr(chunk)
	}

	for remaining > 0 {
		chunk := remaining
		if chunk > vmPageSize {
			chunk = vmPageSize
		}

		remoteIovs = append(remoteIovs, unix.RemoteIovec{Base: addr, Len: chunk})
		remaining -= chunk
		addr += uintptr(chunk)
	}

	return remoteIovs
}

// ReadVM bulk-reads len(out) bytes from pid's address space at addr. It
// obeys page read permissions (spec.md §4.3 array mode) and returns an
// error if the kernel transferred fewer bytes than requested.
func ReadVM(pid int, addr uintptr, out []byte) error {
	if len(out) == 0 {
		return nil
	}

	localIovs := []unix.Iovec{{Base: &out[0]}}
	localIovs[0].SetLen(len(out))
	remoteIovs := chunkRemoteIovecs(addr, len(out))

	n, err := unix.ProcessVMReadv(pid, localIovs, remoteIovs, 0)
	if err != nil {
		return fmt.Errorf(
			"process_vm_readv failed for process %d at 0x%x: %w", pid, addr, err)
	}
	if n != len(out) {
		return fmt.Errorf(
			"short process_vm_readv for process %d at 0x%x: read %d bytes, wanted %d",
			pid, addr, n, len(out))
	}
	return nil
}

// WriteVM bulk-writes data into pid's address space at addr. It obeys page
// write permissions (spec.md §4.3 array mode) and returns an error if the
// kernel transferred fewer bytes than requested.
func WriteVM(pid int, addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	localIovs := []unix.Iovec{{Base: &data[0]}}
	localIovs[0].SetLen(len(data))
	remoteIovs := chunkRemoteIovecs(addr, len(data))

	n, err := unix.ProcessVMWritev(pid, localIovs, remoteIovs, 0)
	if err != nil {
		return fmt.Errorf(
			"process_vm_writev failed for process %d at 0x%x: %w", pid, addr, err)
	}
	if n != len(data) {
		return fmt.Errorf(
			"short process_vm_writev for process %d at 0x%x: wrote %d bytes, wanted %d",
			pid, addr, n, len(data))
	}
	return nil
}

// ReadProcMem reads size bytes at offset from /proc/<pid>/mem. The file is
// opened and closed on every call rather than cached (spec.md §9 "ship only
// the per-call variant"); it can only read pages with PROT_READ, same as
// WriteVM/ReadVM, but serves as a fallback bulk path that does not require
// process_vm_readv support.
func ReadProcMem(pid int, offset int64, size int) ([]byte, error) {
	path := fmt.Sprintf("/proc/%d/mem", pid)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to read %d bytes at offset 0x%x from %s: %w",
			size, offset, path, err)
	}
	if n != size {
		return nil, fmt.Errorf(
			"short read from %s at offset 0x%x: read %d bytes, wanted %d",
			path, offset, n, size)
	}

	return buf, nil
}
