package rpc

import (
	"context"

	"zombiezen.com/go/capnproto2"
)

// MethodCall is the local-dispatch view of an inbound call: an
// interface/method pair, a parameter struct, and a place to write
// results. Grounded on the generated server-stub shape seen in
// matheusd-go-capnp/server/server_test.go (`air.Echo_echo`'s
// `call.Params`/`call.Results`), generalized here to an untyped
// interface/method pair since this module has no schema compiler to
// generate typed stubs from.
type MethodCall struct {
	InterfaceID uint64
	MethodID    uint16
	Params      capnp.Struct

	// results is filled in by AllocResults; exported via the Results
	// method so handlers can't replace the whole struct out from
	// under the answer bookkeeping.
	results    capnp.Struct
	resultsSeg *capnp.Segment

	// resultCaps holds the capabilities a handler registered into its
	// results via SetResultCap, indexed the same way the capability
	// pointers a handler wrote into its results segment are indexed.
	resultCaps []ResolvedCap
}

// AllocResults allocates and returns the results struct for this
// call, sized to sz. A handler must call this before writing any
// result fields.
func (mc *MethodCall) AllocResults(sz capnp.ObjectSize) (capnp.Struct, error) {
	s, err := capnp.NewStruct(mc.resultsSeg, sz)
	if err != nil {
		return capnp.Struct{}, err
	}
	mc.results = s
	return s, nil
}

// Results returns the results struct most recently allocated by
// AllocResults, or the zero Struct if none was allocated.
func (mc *MethodCall) Results() capnp.Struct { return mc.results }

// SetResultCap registers rc as the capability a handler embedded in
// its results at capability index idx (the same index the handler
// used when building the interface pointer via capnp.NewInterface
// into its results struct). The Peer reads this table back once the
// handler returns to build the outbound return's capability list, per
// spec.md §2's CapTable and §4.9's reference-counting model.
func (mc *MethodCall) SetResultCap(idx int, rc ResolvedCap) {
	for len(mc.resultCaps) <= idx {
		mc.resultCaps = append(mc.resultCaps, ResolvedCap{Which: ResolvedNone})
	}
	mc.resultCaps[idx] = rc
}

// ResultCaps returns the capability table a handler built via
// SetResultCap.
func (mc *MethodCall) ResultCaps() []ResolvedCap { return mc.resultCaps }

// Handler is a locally hosted capability: the callable half of an
// Export. Grounded on the Client-shaped `stubClient` seen in the
// cloudflare-vendored rpc_test.go and on capnp.Client's single Call
// entry point in the teacher, narrowed to the single synchronous
// method this module's call-handling path actually needs (§4.3: "the
// handler returns an error" — no separate pipelining contract, since
// tail-call/pipelining is handled by the Peer itself via
// promised-answer resolution, not by the handler).
type Handler interface {
	Call(ctx context.Context, call *MethodCall) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, call *MethodCall) error

// Call implements Handler.
func (f HandlerFunc) Call(ctx context.Context, call *MethodCall) error { return f(ctx, call) }
