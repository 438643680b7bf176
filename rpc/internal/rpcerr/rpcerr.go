// Package rpcerr classifies errors into the exception kinds the
// Cap'n Proto RPC protocol puts on the wire, and annotates errors with
// call-site context.
//
// Grounded on bobg-go-capnproto2/rpc/answer.go, which pairs an
// `errors.TypeOf(e)` call with `rpccp.Exception_Type(...)` when
// filling in a return's exception; this module does not have that
// generated `Exception_Type` enum (the wire schema is out of scope),
// so Type's numeric values are chosen to match the Cap'n Proto RPC
// protocol's own `Exception.Type` enum ordering so a real codec can
// drop them in unchanged.
package rpcerr

import "fmt"

// Type is the wire-level classification of an exception.
type Type uint16

const (
	Failed Type = iota
	Overloaded
	Disconnected
	Unimplemented
)

func (t Type) String() string {
	switch t {
	case Failed:
		return "failed"
	case Overloaded:
		return "overloaded"
	case Disconnected:
		return "disconnected"
	case Unimplemented:
		return "unimplemented"
	default:
		return "unknown"
	}
}

// typed is the interface an error implements to report its own Type.
type typed interface {
	RPCType() Type
}

// rpcError pairs a message with an explicit Type.
type rpcError struct {
	typ Type
	msg string
}

func (e *rpcError) Error() string { return e.msg }
func (e *rpcError) RPCType() Type { return e.typ }

// New creates an error of the given kind.
func New(t Type, msg string) error {
	return &rpcError{typ: t, msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(t Type, format string, args ...interface{}) error {
	return &rpcError{typ: t, msg: fmt.Sprintf(format, args...)}
}

// TypeOf reports the wire exception kind that best matches err. Errors
// that don't opt in via RPCType() are classified Failed, the protocol's
// catch-all kind.
func TypeOf(err error) Type {
	if err == nil {
		return Failed
	}
	if te, ok := err.(typed); ok {
		return te.RPCType()
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		inner := u.Unwrap()
		if inner == nil {
			break
		}
		if te, ok := inner.(typed); ok {
			return te.RPCType()
		}
		err = inner
	}
	return Failed
}

// annotated wraps an error with extra call-site context without
// discarding its Type.
type annotated struct {
	context string
	err     error
}

func (a *annotated) Error() string { return a.context + ": " + a.err.Error() }
func (a *annotated) Unwrap() error { return a.err }
func (a *annotated) RPCType() Type { return TypeOf(a.err) }

// annotator is the chaining handle returned by Annotate.
type annotator struct {
	err error
}

// Annotate begins a call-site annotation chain for err.
func Annotate(err error) *annotator {
	return &annotator{err: err}
}

// Errorf wraps the annotator's error with a formatted prefix,
// preserving its Type.
func (a *annotator) Errorf(format string, args ...interface{}) error {
	return &annotated{context: fmt.Sprintf(format, args...), err: a.err}
}
