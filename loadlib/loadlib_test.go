package loadlib

import (
	"os"
	"os/exec"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/dfeich/procjack/process"
)

type LoadlibSuite struct{}

func TestLoadlib(t *testing.T) {
	suite.RunTests(t, &LoadlibSuite{})
}

func findLibc() string {
	for _, path := range []string{
		"/lib/x86_64-linux-gnu/libc.so.6",
		"/usr/lib/x86_64-linux-gnu/libc.so.6",
		"/lib64/libc.so.6",
	} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (LoadlibSuite) TestLoadAndUnloadLibc(t *testing.T) {
	libc := findLibc()
	if libc == "" {
		t.Skip("libc.so.6 not found")
	}

	cmd := exec.Command("sleep", "100")
	p, err := process.StartAndAttach(cmd)
	expect.Equal(t, nil, err)
	defer p.Detach()

	// Loading libc itself into a glibc-linked tracee is a round trip that
	// doesn't depend on an out-of-tree test fixture library: libc.so.6 is
	// always already present in the tracee's own maps.
	handle, err := Load(p, libc, libc, DefaultScratchMappingSize)
	expect.Equal(t, nil, err)
	expect.True(t, handle != 0)

	err = Unload(p, libc, handle)
	expect.Equal(t, nil, err)
}

func (LoadlibSuite) TestLoadInvalidLibPath(t *testing.T) {
	libc := findLibc()
	if libc == "" {
		t.Skip("libc.so.6 not found")
	}

	cmd := exec.Command("sleep", "100")
	p, err := process.StartAndAttach(cmd)
	expect.Equal(t, nil, err)
	defer p.Detach()

	_, err = Load(p, libc, "/no/such/library.so", DefaultScratchMappingSize)
	expect.True(t, err != nil)
}
