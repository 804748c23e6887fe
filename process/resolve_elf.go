package process

import (
	"debug/elf"
	"fmt"
	"os"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// resolveViaELF computes symName's offset from the start of libPath's first
// writable mapping (see writableSegmentVaddr) by reading the library's ELF
// dynamic symbol table and program headers directly, without mapping the
// library into this process. Symbol
// values in dynamic symbol tables of shared objects are already relative to
// a load bias of 0, so this offset is identical to the one the plugin-based
// path would compute from a live mapping.
func resolveViaELF(libPath, symName string) (uintptr, error) {
	f, err := elf.Open(libPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrResolve, err)
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		return 0, fmt.Errorf(
			"%w: failed to read dynamic symbols of %s: %s",
			ErrResolve, libPath, err)
	}

	var symValue uint64
	found := false
	for _, s := range syms {
		if s.Name == symName {
			symValue = s.Value
			found = true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf(
			"%w: symbol %s not found in %s (candidates: %s)",
			ErrResolve, symName, libPath, candidateNames(syms))
	}

	anchorVaddr, ok := writableSegmentVaddr(f)
	if !ok {
		return 0, fmt.Errorf(
			"%w: no writable PT_LOAD segment found in %s", ErrResolve, libPath)
	}

	return uintptr(symValue - anchorVaddr), nil
}

// candidateNames lists up to 5 exported symbol names to help an operator who
// mistyped a symbol name, demangling any that look like mangled C++ names
// (_Z prefix). Pure-C glibc entry points pass through unchanged.
func candidateNames(syms []elf.Symbol) string {
	var names []string
	for _, s := range syms {
		if s.Name == "" || s.Section == elf.SHN_UNDEF {
			continue
		}

		name := s.Name
		if strings.HasPrefix(name, "_Z") {
			if demangled, err := demangle.ToString(name); err == nil {
				name = demangled
			}
		}

		names = append(names, name)
		if len(names) == 5 {
			break
		}
	}

	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

// writableSegmentVaddr returns the library-relative address at which the
// first writable mapping of the writable PT_LOAD segment starts once loaded:
// the segment's page-aligned start, moved past any PT_GNU_RELRO pages the
// dynamic loader write-protects at the segment's beginning.
func writableSegmentVaddr(f *elf.File) (uint64, bool) {
	pageMask := ^uint64(os.Getpagesize() - 1)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Flags&elf.PF_W == 0 {
			continue
		}

		anchor := prog.Vaddr & pageMask
		for _, relro := range f.Progs {
			if relro.Type == elf.PT_GNU_RELRO &&
				relro.Vaddr >= prog.Vaddr && relro.Vaddr < prog.Vaddr+prog.Memsz {
				if end := (relro.Vaddr + relro.Memsz) & pageMask; end > anchor {
					anchor = end
				}
			}
		}
		return anchor, true
	}
	return 0, false
}
