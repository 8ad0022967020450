package symbolizer

import "github.com/ianlancetaylor/demangle"

const demangleNone = "none"

var demangleModes = map[string][]demangle.Option{
	demangleNone: nil,
	"simplified": {demangle.NoParams, demangle.NoEnclosingParams, demangle.NoTemplateParams},
	"templates":  {demangle.NoParams, demangle.NoEnclosingParams},
	"full":       {demangle.NoClones},
}

// newDemangler returns nil when names are kept as they are in the cache.
func newDemangler(mode string) func(string) string {
	opts, ok := demangleModes[mode]
	if !ok || mode == demangleNone {
		return nil
	}
	return func(name string) string {
		return demangle.Filter(name, opts...)
	}
}
