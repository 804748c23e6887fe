package process

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type ResolvePluginSuite struct{}

func TestResolvePlugin(t *testing.T) {
	suite.RunTests(t, &ResolvePluginSuite{})
}

func (ResolvePluginSuite) TestAddressOfPluginSymbolAcceptsPointer(t *testing.T) {
	var x int
	addr, err := addressOfPluginSymbol(&x)
	expect.Equal(t, nil, err)
	expect.True(t, addr != 0)
}

func (ResolvePluginSuite) TestAddressOfPluginSymbolAcceptsFunc(t *testing.T) {
	fn := func() {}
	addr, err := addressOfPluginSymbol(fn)
	expect.Equal(t, nil, err)
	expect.True(t, addr != 0)
}

func (ResolvePluginSuite) TestAddressOfPluginSymbolRejectsValue(t *testing.T) {
	_, err := addressOfPluginSymbol(42)
	expect.True(t, err != nil)
}
