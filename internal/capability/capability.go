// Package capability defines the opaque "run skill S with inputs I" contract
// the execution core depends on, plus the built-in implementations: a router,
// local skills and an HTTP client for a messages-style generative API.
package capability

import (
	"context"

	"github.com/rendis/skillflow/pkg/schema"
)

// Mode tells a capability whether it is serving an autonomous batch run or a chat turn.
type Mode string

const (
	ModeBatch Mode = "batch"
	ModeChat  Mode = "chat"
)

// InvokeContext carries everything about a call besides the skill kind and its inputs.
type InvokeContext struct {
	RunID       string
	NodeID      string
	Mode        Mode
	Guidance    string
	PriorOutput any
	Transcript  []schema.Turn
	Attachments []schema.Attachment
	Model       string
}

// Capability executes one skill invocation.
// Errors should be *schema.FlowError; MISSING_CREDENTIAL is treated specially by the executors.
type Capability interface {
	Invoke(ctx context.Context, kind string, inputs map[string]any, ic InvokeContext) (any, error)
}

// Func adapts a plain function to Capability.
type Func func(ctx context.Context, kind string, inputs map[string]any, ic InvokeContext) (any, error)

func (f Func) Invoke(ctx context.Context, kind string, inputs map[string]any, ic InvokeContext) (any, error) {
	return f(ctx, kind, inputs, ic)
}

// CredentialChecker is implemented by capabilities that need a credential.
// Executors call it before mutating any state so a missing key aborts cleanly.
type CredentialChecker interface {
	CheckCredentials(ctx context.Context, kinds []string, mode Mode) error
}

// Precheck runs c's credential check when it has one.
func Precheck(ctx context.Context, c Capability, kinds []string, mode Mode) error {
	if cc, ok := c.(CredentialChecker); ok {
		return cc.CheckCredentials(ctx, kinds, mode)
	}
	return nil
}
