package capability

import (
	"context"

	"github.com/rendis/skillflow/pkg/schema"
)

// Router dispatches invocations by skill kind.
// Batch calls for a kind with a local handler stay local; everything else,
// including every chat turn, goes to the remote capability.
type Router struct {
	local  map[string]Capability
	remote Capability
}

// NewRouter creates a router. remote may be nil when only local skills are used.
func NewRouter(local map[string]Capability, remote Capability) *Router {
	if local == nil {
		local = map[string]Capability{}
	}
	return &Router{local: local, remote: remote}
}

// route returns the handler for kind and whether it is the remote one.
func (r *Router) route(kind string, mode Mode) (c Capability, remote bool) {
	if mode != ModeChat {
		if c, ok := r.local[kind]; ok {
			return c, false
		}
	}
	return r.remote, true
}

// Invoke forwards to the handler selected for kind and mode.
func (r *Router) Invoke(ctx context.Context, kind string, inputs map[string]any, ic InvokeContext) (any, error) {
	c, _ := r.route(kind, ic.Mode)
	if c == nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityFailure,
			"no capability available for skill %q", kind).WithNode(ic.NodeID)
	}
	return c.Invoke(ctx, kind, inputs, ic)
}

// CheckCredentials asks the remote capability only when some kind will be routed to it.
func (r *Router) CheckCredentials(ctx context.Context, kinds []string, mode Mode) error {
	if r.remote == nil {
		return nil
	}
	for _, k := range kinds {
		if _, remote := r.route(k, mode); remote {
			return Precheck(ctx, r.remote, kinds, mode)
		}
	}
	return nil
}
