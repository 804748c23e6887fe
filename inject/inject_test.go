package inject

import (
	"os/exec"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/dfeich/procjack/process"
)

const sysGetpid = 39 // x86-64 getpid

type InjectSuite struct{}

func TestInject(t *testing.T) {
	suite.RunTests(t, &InjectSuite{})
}

func startSleeper(t *testing.T) *process.Process {
	cmd := exec.Command("sleep", "100")
	p, err := process.StartAndAttach(cmd)
	expect.Equal(t, nil, err)
	return p
}

func (InjectSuite) TestSyscallGetpidReturnsOwnPid(t *testing.T) {
	p := startSleeper(t)
	defer p.Detach()

	before, err := p.GetRegs()
	expect.Equal(t, nil, err)

	result, err := Syscall(p, sysGetpid)
	expect.Equal(t, nil, err)
	expect.False(t, result.Failed())
	expect.Equal(t, uint64(p.Pid()), uint64(result.Raw))

	after, err := p.GetRegs()
	expect.Equal(t, nil, err)
	expect.Equal(t, before.Rip, after.Rip)
	expect.Equal(t, before.Rax, after.Rax)
}

func (InjectSuite) TestSyscallTooManyArgs(t *testing.T) {
	p := startSleeper(t)
	defer p.Detach()

	_, err := Syscall(p, sysGetpid, 1, 2, 3, 4, 5, 6, 7)
	expect.True(t, err != nil)
}

func (InjectSuite) TestSyscallInvalidFdReturnsErrno(t *testing.T) {
	p := startSleeper(t)
	defer p.Detach()

	const sysClose = 3
	result, err := Syscall(p, sysClose, 0xdeadbeef)
	expect.Equal(t, nil, err)
	expect.True(t, result.Failed())
}

func (InjectSuite) TestCallTooManyArgs(t *testing.T) {
	p := startSleeper(t)
	defer p.Detach()

	_, err := Call(p, 0x1000, []uint64{1, 2, 3, 4, 5, 6, 7}, nil)
	expect.True(t, err != nil)
}
