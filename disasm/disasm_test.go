package disasm

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type DisasmSuite struct{}

func TestDisasm(t *testing.T) {
	suite.RunTests(t, &DisasmSuite{})
}

func (DisasmSuite) TestDecodeNop(t *testing.T) {
	// nop
	inst, err := Decode(0x1000, []byte{0x90})
	expect.Equal(t, nil, err)
	expect.False(t, inst.IsEndbr64)
	expect.False(t, inst.IsEndbr32)
	expect.Equal(t, 1, inst.Len)
}

func (DisasmSuite) TestDecodeSyscall(t *testing.T) {
	// syscall
	inst, err := Decode(0x2000, []byte{0x0f, 0x05})
	expect.Equal(t, nil, err)
	expect.Equal(t, 2, inst.Len)
}

func (DisasmSuite) TestDecodeEndbr64(t *testing.T) {
	inst, err := Decode(0x3000, []byte{0xf3, 0x0f, 0x1e, 0xfa, 0x90})
	expect.Equal(t, nil, err)
	expect.True(t, inst.IsEndbr64)
}

func (DisasmSuite) TestDecodeEmpty(t *testing.T) {
	_, err := Decode(0x4000, nil)
	expect.True(t, err != nil)
}

func (DisasmSuite) TestStringFormatsEndbr(t *testing.T) {
	inst, err := Decode(0x5000, []byte{0xf3, 0x0f, 0x1e, 0xfa})
	expect.Equal(t, nil, err)
	expect.Equal(t, "0x0000000000005000: endbr64", inst.String())
}
