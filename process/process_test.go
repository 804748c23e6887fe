package process

import (
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/dfeich/procjack/maps"
	"github.com/dfeich/procjack/procfs"
	"github.com/dfeich/procjack/registers"
)

func processExists(pid int) bool {
	err := syscall.Kill(pid, 0)
	return !errors.Is(err, syscall.ESRCH)
}

type ProcessSuite struct{}

func TestProcess(t *testing.T) {
	suite.RunTests(t, &ProcessSuite{})
}

func startSleeper(t *testing.T) *Process {
	cmd := exec.Command("sleep", "100")
	p, err := StartAndAttach(cmd)
	expect.Equal(t, nil, err)
	return p
}

func (ProcessSuite) TestStartAndAttach(t *testing.T) {
	p := startSleeper(t)
	defer p.Detach()

	expect.True(t, processExists(p.Pid()))
}

func (ProcessSuite) TestAttachInvalidPid(t *testing.T) {
	_, err := AttachToProcess(0)
	expect.True(t, errors.Is(err, ErrTrace))
}

func (ProcessSuite) TestCheckTracingStopPassesAfterAttach(t *testing.T) {
	p := startSleeper(t)
	defer p.Detach()

	expect.Equal(t, nil, p.checkTracingStop())
}

func (ProcessSuite) TestAuxiliaryVectorReturnsPageSize(t *testing.T) {
	p := startSleeper(t)
	defer p.Detach()

	auxv, err := p.AuxiliaryVector()
	expect.Equal(t, nil, err)
	expect.True(t, len(auxv) > 0)

	_, ok := auxv[procfs.AT_PageSize]
	expect.True(t, ok)
}

func (ProcessSuite) TestWithWaitTimeoutAppliesToAttach(t *testing.T) {
	cmd := exec.Command("sleep", "100")
	p, err := StartAndAttach(cmd, WithWaitTimeout(5*time.Second))
	expect.Equal(t, nil, err)
	defer p.Detach()

	expect.True(t, processExists(p.Pid()))
}

func (ProcessSuite) TestDetachedOperationsFail(t *testing.T) {
	p := startSleeper(t)
	err := p.Detach()
	expect.Equal(t, nil, err)

	_, err = p.GetRegs()
	expect.True(t, errors.Is(err, ErrUsage))
}

func (ProcessSuite) TestGetRegsAndRestoreInvariant(t *testing.T) {
	p := startSleeper(t)
	defer p.Detach()

	before, err := p.GetRegs()
	expect.Equal(t, nil, err)
	originalRax := before.Rax

	err = p.GetRegsAndRestore(func(frame *registers.Frame) error {
		frame.Rax = ^originalRax
		return p.SetRegs(frame)
	})
	expect.Equal(t, nil, err)

	after, err := p.GetRegs()
	expect.Equal(t, nil, err)
	expect.Equal(t, originalRax, after.Rax)
}

func (ProcessSuite) TestWriteMemWordsRejectsUnalignedLength(t *testing.T) {
	p := startSleeper(t)
	defer p.Detach()

	err := p.WriteMemWords(0x1000, []byte{1, 2, 3})
	expect.True(t, errors.Is(err, ErrUsage))
}

func (ProcessSuite) TestWriteMemWordsAndRestoreRoundTrip(t *testing.T) {
	p := startSleeper(t)
	defer p.Detach()

	regionMappings, err := p.GetMaps(maps.And(maps.HasPerms("x"), maps.HasPerms("r")))
	expect.Equal(t, nil, err)
	expect.True(t, len(regionMappings) > 0)

	addr := uintptr(regionMappings[0].StartAddress)

	original, err := p.ReadMemWords(addr, 1)
	expect.Equal(t, nil, err)

	payload := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11}

	sawPayload := false
	err = p.WriteMemWordsAndRestore(addr, payload, func() error {
		during, readErr := p.ReadMemWords(addr, 1)
		expect.Equal(t, nil, readErr)
		sawPayload = string(during) == string(payload)
		return nil
	})
	expect.Equal(t, nil, err)
	expect.True(t, sawPayload)

	restored, err := p.ReadMemWords(addr, 1)
	expect.Equal(t, nil, err)
	expect.Equal(t, string(original), string(restored))
}
