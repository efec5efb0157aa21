// Package wireerr marshals Go errors into a structured-cloneable snapshot
// for transmission as an RPC_REJECT or BRIDGE_RELAY error field, and
// reconstructs a plain error-shaped value on the receiving side. This
// mirrors the teacher's JSONError / errorResponse handling in rpc/handler.go,
// generalised to "enumerate own properties" the way spec.md §7 requires
// instead of the narrower JSON-RPC error-code convention.
package wireerr

import (
	"errors"
	"fmt"
)

// Snapshot is the wire representation of an error: its own-property
// enumeration (name, message, stack when available, cause when the error
// chain exposes one). It is the only error shape that crosses the wire;
// neither RPC nor bridge envelopes ever carry a Go error value directly.
type Snapshot struct {
	Name    string    `json:"name"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
	Cause   *Snapshot `json:"cause,omitempty"`
}

// Marshal snapshots err's own properties. A nil error yields a nil snapshot.
func Marshal(err error) *Snapshot {
	if err == nil {
		return nil
	}
	snap := &Snapshot{
		Name:    errorName(err),
		Message: err.Error(),
	}
	if st, ok := err.(interface{ StackTrace() string }); ok {
		snap.Stack = st.StackTrace()
	}
	if cause := errors.Unwrap(err); cause != nil {
		snap.Cause = Marshal(cause)
	}
	return snap
}

func errorName(err error) string {
	if named, ok := err.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", err)
}

// reconstructed is the plain error-shaped value a receiver gets back. It
// round-trips Name/Message/Stack/Cause but is never comparable to the
// original sender-side error value (spec.md §7: "reconstructed error
// value").
type reconstructed struct {
	snap *Snapshot
}

func (r *reconstructed) Error() string { return r.snap.Message }

func (r *reconstructed) Name() string { return r.snap.Name }

func (r *reconstructed) StackTrace() string { return r.snap.Stack }

func (r *reconstructed) Unwrap() error {
	if r.snap.Cause == nil {
		return nil
	}
	return Unmarshal(r.snap.Cause)
}

// Unmarshal reconstructs an error value from a Snapshot. A nil snapshot
// yields a nil error.
func Unmarshal(snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	return &reconstructed{snap: snap}
}
