package rpc

import (
	"zombiezen.com/go/capnproto2"

	"github.com/lattice-rpc/capnppeer/rpc/internal/wire"
)

// answerEntry is this peer's bookkeeping for one inbound call it is
// answering, keyed by answerID (the caller's question id). It unifies
// spec.md §3's ResolvedAnswer (once results are known) with the
// pending-pipelined-call queue that accumulates while the answer is
// still in flight (e.g. a call forwarded to a third party, per
// spec.md §4.6).
type answerEntry struct {
	id       answerID
	resolved *ResolvedAnswer

	// pending holds calls whose target was promised_answer(id, ...)
	// received before this answer resolved; replayed in insertion
	// order once resolved is set (spec.md §4.3 step 3, §5's FIFO
	// guarantee).
	pending []*pendingPromiseCall

	// sendResultsToYourself / sendResultsToThirdParty are
	// spec.md §3's SendResultsRouting, keyed implicitly by living on
	// this entry.
	sendResultsToYourself   bool
	sendResultsToThirdParty []byte
}

// ResolvedAnswer is a stored completed return kept for future
// pipelined lookups, per spec.md §3. Content mirrors the real
// library's resolved-promise representation (kasvtv-go-capnproto2/
// rpc/rpc.go's clientFromResolution: `capnp.TransformPtr(obj,
// transform)` then `.Interface().Client()`), generalized here to
// resolve to a ResolvedCap instead of a live capnp.Client since this
// module tracks capabilities by table id rather than by proxy object.
type ResolvedAnswer struct {
	content  capnp.Ptr
	capTable []ResolvedCap
	err      error
}

// capAt applies a pointer-field transform to the stored content and
// resolves the capability pointer it lands on, per spec.md §6: "the
// empty transform designates the payload root."
func (ra *ResolvedAnswer) capAt(transform []wire.PipelineOp) (ResolvedCap, error) {
	if ra.err != nil {
		return ResolvedCap{}, ra.err
	}
	out, err := capnp.TransformPtr(ra.content, transform)
	if err != nil {
		return ResolvedCap{}, err
	}
	iface := out.Interface()
	if !iface.IsValid() {
		return ResolvedCap{Which: ResolvedNone}, nil
	}
	idx := int(iface.Capability())
	if idx < 0 || idx >= len(ra.capTable) {
		return ResolvedCap{}, errPromisedAnswerMissing
	}
	return ra.capTable[idx], nil
}

// pendingPromiseCall is a call queued because its target had not yet
// resolved, per spec.md §3's "PendingCall (promised/export-promise)".
// One shape serves both queues the Promise subsystem keeps (spec.md
// §2): by pipelined answer id (queued on an answerEntry.pending) and
// by unresolved promise-export id (queued on an Export.pending).
type pendingPromiseCall struct {
	call      *wire.Call
	caps      *InboundCapTable
	transform []wire.PipelineOp // only set for answer-id queueing
}

// newAnswerEntry creates (or returns the existing) bookkeeping entry
// for answerID id.
func (p *Peer) newAnswerEntry(id answerID) *answerEntry {
	if e, ok := p.answers[id]; ok {
		return e
	}
	e := &answerEntry{id: id}
	p.answers[id] = e
	return e
}

// resolveAnswer stores results as the ResolvedAnswer for id and
// replays every call queued against it, in insertion order.
func (p *Peer) resolveAnswer(id answerID, content capnp.Ptr, capTable []ResolvedCap, err error) {
	e := p.newAnswerEntry(id)
	e.resolved = &ResolvedAnswer{content: content, capTable: capTable, err: err}
	pending := e.pending
	e.pending = nil
	for _, pc := range pending {
		rc, terr := e.resolved.capAt(pc.transform)
		if terr != nil {
			p.sendMessage(newExceptionReturn(answerID(pc.call.QuestionID), terr))
			continue
		}
		p.continueCallDispatch(pc.call, pc.caps, rc)
	}
}

// failAnswer answers every call queued against id with err and
// removes the pending queue, used when a forwarded call that would
// have resolved this answer instead gets canceled or broken.
func (p *Peer) failAnswer(id answerID, err error) {
	e := p.answers[id]
	if e == nil {
		return
	}
	pending := e.pending
	e.pending = nil
	for _, pc := range pending {
		p.sendMessage(newExceptionReturn(answerID(pc.call.QuestionID), err))
	}
}

// freeAnswer removes an answer's bookkeeping, releasing the
// capabilities its stored result referenced if release is true, per
// spec.md §4.5 item 6.
func (p *Peer) freeAnswer(id answerID, release bool) {
	e := p.answers[id]
	if e == nil {
		return
	}
	delete(p.answers, id)
	if release && e.resolved != nil {
		for _, rc := range e.resolved.capTable {
			p.releaseResolvedCapRef(rc)
		}
	}
}
