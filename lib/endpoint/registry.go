package endpoint

import (
	"context"
	"sort"
	"strings"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/puzpuzpuz/xsync/v3"
)

// Function is a remotely callable function. Writes staged in call.Tx are
// committed only when the function and, inside a unit, all other calls of the
// unit succeed.
type Function func(call *Call, params rfc.Parameters) (rfc.Parameters, error)

// Call is the execution context of one function invocation.
type Call struct {
	Context context.Context
	User    string
	Client  uint64
	// Unit is the identifier of the enclosing unit, empty for direct calls
	Unit string
	// Index is the position of the call inside its unit
	Index int
	Tx    *Tx

	ep *Endpoint
}

// Authorize checks whether the caller may run another function.
func (c *Call) Authorize(function string) error {
	return c.ep.guard.Authorize(c.User, c.Client, function)
}

// Registry maps function names to implementations. Names are case insensitive.
type Registry struct {
	functions *xsync.MapOf[string, Function]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{functions: xsync.NewMapOf[string, Function]()}
}

// Register adds or replaces a function.
func (r *Registry) Register(name string, fn Function) {
	r.functions.Store(strings.ToUpper(name), fn)
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Function, bool) {
	return r.functions.Load(strings.ToUpper(name))
}

// Names returns all registered names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.functions.Size())
	r.functions.Range(func(name string, _ Function) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}
