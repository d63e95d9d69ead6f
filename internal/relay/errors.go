package relay

import (
	"context"
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by Relay.Handle matches exactly one of
// them with errors.Is.
var (
	ErrGenerationFailure = errors.New("generation failure")
	ErrHandlerNotFound   = errors.New("handler not found")
	ErrDelegationFailure = errors.New("delegation failure")
	ErrCancelled         = errors.New("cancelled")
)

// Pipeline steps named in errors and logs.
const (
	StepGenerate = "generate"
	StepResolve  = "resolve"
	StepDelegate = "delegate"
)

// Error describes a failed invocation: which handler, which step, what kind
// of failure, and the underlying cause.
type Error struct {
	Kind    error
	Handler string
	Step    string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("relay %s: %s: %v", e.Handler, e.Step, e.Kind)
	}
	return fmt.Sprintf("relay %s: %s: %v: %v", e.Handler, e.Step, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the failure kind of err, or nil when err is not a relay
// failure. The outermost Error wins, so a peer's generation failure surfaces
// as ErrDelegationFailure.
func KindOf(err error) error {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return nil
}

// KindName is the short, stable label of a kind, used in logs and history.
func KindName(kind error) string {
	switch kind {
	case ErrGenerationFailure:
		return "generation_failure"
	case ErrHandlerNotFound:
		return "handler_not_found"
	case ErrDelegationFailure:
		return "delegation_failure"
	case ErrCancelled:
		return "cancelled"
	default:
		return ""
	}
}

// fail builds the Error for a step. A done caller context turns any failure
// into ErrCancelled; a cause that merely wraps context.Canceled does not.
func fail(ctx context.Context, handler, step string, kind, cause error) *Error {
	if ctx.Err() != nil {
		kind = ErrCancelled
		if cause == nil {
			cause = ctx.Err()
		}
	}
	return &Error{Kind: kind, Handler: handler, Step: step, Err: cause}
}
