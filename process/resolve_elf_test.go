package process

import (
	"errors"
	"os"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type ResolveELFSuite struct{}

func TestResolveELF(t *testing.T) {
	suite.RunTests(t, &ResolveELFSuite{})
}

func (ResolveELFSuite) TestResolveLibcDlopenMode(t *testing.T) {
	libc := findLibc(t)
	if libc == "" {
		t.Skip("libc.so.6 not found")
	}

	offset, err := resolveViaELF(libc, "__libc_dlopen_mode")
	expect.Equal(t, nil, err)
	expect.True(t, offset != 0)
}

func (ResolveELFSuite) TestResolveUnknownSymbol(t *testing.T) {
	libc := findLibc(t)
	if libc == "" {
		t.Skip("libc.so.6 not found")
	}

	_, err := resolveViaELF(libc, "__this_symbol_does_not_exist__")
	expect.True(t, errors.Is(err, ErrResolve))
}

func (ResolveELFSuite) TestResolveMissingFile(t *testing.T) {
	_, err := resolveViaELF("/no/such/library.so", "anything")
	expect.True(t, errors.Is(err, ErrResolve))
}

func findLibc(t *testing.T) string {
	for _, path := range []string{
		"/lib/x86_64-linux-gnu/libc.so.6",
		"/usr/lib/x86_64-linux-gnu/libc.so.6",
		"/lib64/libc.so.6",
	} {
		if fileExists(path) {
			return path
		}
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
