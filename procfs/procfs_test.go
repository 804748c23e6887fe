package procfs

import (
	"os"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type ProcFSSuite struct{}

func TestProcFS(t *testing.T) {
	suite.RunTests(t, &ProcFSSuite{})
}

func (ProcFSSuite) TestGetProcessStatusSelf(t *testing.T) {
	status, err := GetProcessStatus(os.Getpid())
	expect.Equal(t, nil, err)
	expect.Equal(t, os.Getpid(), status.Pid)
	expect.Equal(t, os.Getppid(), status.Ppid)
}

func (ProcFSSuite) TestGetAuxiliaryVectorSelf(t *testing.T) {
	auxv, err := GetAuxiliaryVector(os.Getpid())
	expect.Equal(t, nil, err)

	_, ok := auxv[AT_PageSize]
	expect.True(t, ok)
}
