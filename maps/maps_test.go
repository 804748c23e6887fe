package maps

import (
	"strconv"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}

type MapsSuite struct{}

func TestMaps(t *testing.T) {
	suite.RunTests(t, &MapsSuite{})
}

func parseLine(t *testing.T, line string) Mapping {
	m := lineRE.FindStringSubmatch(line)
	expect.True(t, m != nil)

	start, err := parseHex(m[1])
	expect.Equal(t, nil, err)
	end, err := parseHex(m[2])
	expect.Equal(t, nil, err)
	offset, err := parseHex(m[4])
	expect.Equal(t, nil, err)

	return Mapping{
		StartAddress: start,
		EndAddress:   end,
		Size:         end - start,
		Perms:        m[3],
		Offset:       offset,
		Dev:          m[5],
		Inode:        m[6],
		Pathname:     m[7],
	}
}

func (MapsSuite) TestParseLine(t *testing.T) {
	line := "7f0e1b200000-7f0e1b228000 r-xp 00000000 fd:01 123456   " +
		"/usr/lib/libc.so.6"

	got := parseLine(t, line)

	expect.Equal(t, uint64(0x7f0e1b200000), got.StartAddress)
	expect.Equal(t, uint64(0x7f0e1b228000), got.EndAddress)
	expect.Equal(t, uint64(0x28000), got.Size)
	expect.Equal(t, "r-xp", got.Perms)
	expect.Equal(t, uint64(0), got.Offset)
	expect.Equal(t, "fd:01", got.Dev)
	expect.Equal(t, "123456", got.Inode)
	expect.Equal(t, "/usr/lib/libc.so.6", got.Pathname)
}

func (MapsSuite) TestParseLineNoPathname(t *testing.T) {
	line := "7f0e1b200000-7f0e1b228000 rw-p 00000000 00:00 0"

	got := parseLine(t, line)
	expect.Equal(t, "", got.Pathname)
}

func (MapsSuite) TestHasPerms(t *testing.T) {
	rx := HasPerms("x", "r")
	expect.True(t, rx(Mapping{Perms: "r-xp"}))
	expect.False(t, rx(Mapping{Perms: "rw-p"}))
}

func (MapsSuite) TestAndOr(t *testing.T) {
	isExec := HasPerms("x")
	isWrite := HasPerms("w")

	expect.True(t, And(isExec)(Mapping{Perms: "r-xp"}))
	expect.False(t, And(isExec, isWrite)(Mapping{Perms: "r-xp"}))
	expect.True(t, Or(isExec, isWrite)(Mapping{Perms: "rw-p"}))
	expect.False(t, Or(isExec, isWrite)(Mapping{Perms: "r--p"}))
}

func (MapsSuite) TestHasPath(t *testing.T) {
	f := HasPath("/usr/lib/libc.so.6")
	expect.True(t, f(Mapping{Pathname: "/usr/lib/libc.so.6"}))
	expect.False(t, f(Mapping{Pathname: "/usr/lib/libm.so.6"}))
}

func (MapsSuite) TestHasSize(t *testing.T) {
	eq := uint64(0x1000)
	ge := uint64(0x2000)
	le := uint64(0x3000)

	expect.True(t, HasSize(&eq, nil, nil)(Mapping{Size: 0x1000}))
	expect.False(t, HasSize(&eq, nil, nil)(Mapping{Size: 0x1001}))
	expect.True(t, HasSize(nil, &ge, &le)(Mapping{Size: 0x2500}))
	expect.False(t, HasSize(nil, &ge, &le)(Mapping{Size: 0x1500}))
	expect.False(t, HasSize(nil, &ge, &le)(Mapping{Size: 0x3500}))
}

func (MapsSuite) TestSizeInvariant(t *testing.T) {
	line := "00400000-00401000 r-xp 00000000 fd:01 1 /bin/true"
	got := parseLine(t, line)
	expect.Equal(t, got.EndAddress-got.StartAddress, got.Size)
}
