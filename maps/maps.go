// Package maps parses /proc/<pid>/maps into Mapping records and provides
// filter combinators over them (spec.md §4.2).
package maps

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// lineRE mirrors the Python original's _RE_MAPS: start/end/offset are
// lowercase hex, perms is exactly 4 chars from {r,w,x,s,p,-}, dev is any
// non-space token, inode is decimal, and pathname may be empty or contain
// interior spaces (it runs to end of line, with leading padding trimmed).
var lineRE = regexp.MustCompile(
	`^([0-9a-f]+)-([0-9a-f]+) ([rwxsp-]{4}) ([0-9a-f]+) ([^ ]+) (\d+)\s*(.*)$`)

// Mapping stores one line of a process maps pseudo-file.
type Mapping struct {
	StartAddress uint64
	EndAddress   uint64
	Size         uint64
	Perms        string
	Offset       uint64
	Dev          string
	Inode        string
	Pathname     string
}

// Parse reads and parses /proc/<pid>/maps in its entirety. Mappings are
// transient snapshots: callers must re-parse to observe a process's
// current memory layout.
func Parse(pid int) ([]Mapping, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var regions []Mapping
	for _, line := range strings.Split(string(content), "\n") {
		if line == "" {
			continue
		}

		m := lineRE.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("failed to parse maps line: %q", line)
		}

		start, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse start address: %w", err)
		}

		end, err := strconv.ParseUint(m[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end address: %w", err)
		}

		offset, err := strconv.ParseUint(m[4], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse offset: %w", err)
		}

		regions = append(regions, Mapping{
			StartAddress: start,
			EndAddress:   end,
			Size:         end - start,
			Perms:        m[3],
			Offset:       offset,
			Dev:          m[5],
			Inode:        m[6],
			Pathname:     m[7],
		})
	}

	return regions, nil
}

// Filter decides whether a Mapping is kept.
type Filter func(Mapping) bool

// GetFiltered parses pid's maps and keeps only the mappings for which
// filter_ holds. A nil filter_ keeps everything.
func GetFiltered(pid int, filter_ Filter) ([]Mapping, error) {
	regions, err := Parse(pid)
	if err != nil {
		return nil, err
	}

	if filter_ == nil {
		return regions, nil
	}

	var kept []Mapping
	for _, m := range regions {
		if filter_(m) {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

// And is true when every filter in filters holds.
func And(filters ...Filter) Filter {
	return func(m Mapping) bool {
		for _, f := range filters {
			if !f(m) {
				return false
			}
		}
		return true
	}
}

// Or is true when any filter in filters holds.
func Or(filters ...Filter) Filter {
	return func(m Mapping) bool {
		for _, f := range filters {
			if f(m) {
				return true
			}
		}
		return false
	}
}

// HasPath keeps mappings whose pathname equals path exactly.
func HasPath(path string) Filter {
	return func(m Mapping) bool {
		return m.Pathname == path
	}
}

// HasPerms keeps mappings whose Perms contains every character in perms,
// e.g. HasPerms("x", "r") matches "r-xp" but not "rw-p".
func HasPerms(perms ...string) Filter {
	return func(m Mapping) bool {
		for _, p := range perms {
			if !strings.Contains(m.Perms, p) {
				return false
			}
		}
		return true
	}
}

// HasSize keeps mappings by size. If eq is non-nil it alone decides the
// result; otherwise ge/le are ANDed together when provided. A nil pointer
// means "don't constrain on this bound", matching the Python original's
// has_size(eq=None, ge=None, le=None).
func HasSize(eq, ge, le *uint64) Filter {
	return func(m Mapping) bool {
		if eq != nil {
			return m.Size == *eq
		}

		ok := true
		if ge != nil {
			ok = ok && m.Size >= *ge
		}
		if le != nil {
			ok = ok && m.Size <= *le
		}
		return ok
	}
}
