package process

import (
	"fmt"
	"reflect"
)

// addressOfPluginSymbol returns the memory address backing a symbol looked
// up via plugin.Plugin.Lookup. An exported variable comes back as a
// pointer to it; an exported function comes back as the function value
// itself (Kind Func, not Ptr) per the plugin package's documented
// behavior. reflect.Value.Pointer is valid for both kinds.
func addressOfPluginSymbol(sym any) (uintptr, error) {
	v := reflect.ValueOf(sym)
	if v.Kind() != reflect.Ptr && v.Kind() != reflect.Func {
		return 0, fmt.Errorf(
			"%w: plugin symbol of kind %s is not addressable",
			ErrResolve, v.Kind())
	}

	return v.Pointer(), nil
}
