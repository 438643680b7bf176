package rpc

import (
	"context"

	"github.com/lattice-rpc/capnppeer/rpc/internal/wire"
)

// onReturn is the obligation a Question holds until it is fulfilled:
// exactly one call per spec.md §3 invariant 1.
type onReturn func(ret *wire.Return, caps *InboundCapTable)

// Question is an outstanding call this peer made, per spec.md §3.
// Grounded on kasvtv-go-capnproto2/rpc/rpc.go's `question` type
// (referenced via `c.questions []*question`, `q.paramCaps`), extended
// with the loopback/tail suppression flags spec.md names explicitly.
type Question struct {
	id  questionID
	ctx context.Context

	onReturn onReturn

	// paramCaps are the export ids this peer's own outbound call
	// params referenced; released (count 1 each) when the matching
	// return is processed and its automatic finish is sent.
	// ReleaseParamCaps on that return is not consulted.
	paramCaps []exportID

	// isLoopback marks a question whose target resolved locally: its
	// return is delivered via deliverLoopbackCall rather than the
	// transport (spec.md §4.10), and auto-finish is suppressed since
	// there is no transport round trip to race against.
	isLoopback bool

	// suppressAutoFinish marks a question that the forwarder is
	// managing the finish lifecycle of (tail calls): §4.6.
	suppressAutoFinish bool

	// finished records whether an outbound finish has already been
	// emitted for this question, so a second return (e.g. a replayed
	// third-party return) cannot trigger a duplicate finish.
	finished bool
}

// newQuestion allocates a fresh question id and registers cb as its
// on_return obligation.
func (p *Peer) newQuestion(ctx context.Context, cb onReturn) *Question {
	id := questionID(p.questionIDs.alloc())
	q := &Question{id: id, ctx: ctx, onReturn: cb}
	p.questions[id] = q
	return q
}

// popQuestion removes and returns the question with the given id, or
// nil if unknown.
func (p *Peer) popQuestion(id questionID) *Question {
	q := p.questions[id]
	if q == nil {
		return nil
	}
	delete(p.questions, id)
	p.questionIDs.release(uint32(id))
	return q
}

// findQuestion looks up a question without removing it.
func (p *Peer) findQuestion(id questionID) *Question {
	return p.questions[id]
}
