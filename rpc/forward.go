package rpc

import (
	"context"

	"zombiezen.com/go/capnproto2"

	"github.com/lattice-rpc/capnppeer/rpc/internal/wire"
)

// forwardMode is which of spec.md §4.6's three result-routing
// translations a forwarded question is undergoing, chosen from the
// original call's own SendResultsTo at the moment it was forwarded.
type forwardMode int

const (
	// forwardModeTail is the caller→yourself (sent_elsewhere) tail
	// call: the forwarded call is reissued with send_results_to
	// =yourself and a take_from_other_question return is sent back
	// immediately, eliding the intermediate round trip.
	forwardModeTail forwardMode = iota
	// forwardModeYourself is the yourself→propagate_results_sent_
	// elsewhere mode: this peer's caller asked for
	// send_results_to=yourself, and that same routing is relayed
	// through the forwarded leg.
	forwardModeYourself
	// forwardModeThirdParty is the third_party(payload)→propagate_
	// accept_from_third_party mode: the forwarded call captures and
	// reuses the original third-party recipient payload.
	forwardModeThirdParty
)

// forwardedQuestion links an answer this peer owes (because we
// accepted a call) to the outbound question we issued to satisfy it
// without dispatching locally, per spec.md §3's ForwardedQuestion and
// §4.6's forwarding modes: the target resolved to a capability this
// peer does not itself host but can reach over its own transport (an
// import leading back to the same remote, the one forwarding shape a
// single-Transport Peer can realize without a connection registry).
type forwardedQuestion struct {
	answer   answerID
	question questionID
	mode     forwardMode
	// payload is the third party's opaque recipient token, captured
	// from the original call's send_results_to=third_party(payload);
	// only meaningful when mode == forwardModeThirdParty.
	payload []byte
}

// forwardCall issues call as a fresh outbound question addressed
// directly at rc's import id, translating call.SendResultsTo into the
// forwarded question's own result routing per spec.md §4.6, and
// arranges for that question's return to be translated back into this
// peer's return for call's own answer id.
func (p *Peer) forwardCall(call *wire.Call, caps *InboundCapTable, rc ResolvedCap) {
	aid := answerID(call.QuestionID)
	p.newAnswerEntry(aid)

	target := wire.MessageTarget{Which: wire.TargetImportedCap, ImportedCap: uint32(rc.ImportID)}

	// spec.md §2's Payload remapper: clone the inbound params into an
	// outbound payload, rewriting the capability table to the ids this
	// peer's own transport addresses rather than the ones the original
	// caller used.
	var mapper capIndexMapper = identityMapper
	if caps.Len() > 0 {
		mapper = func(i int) (wire.CapDescriptor, bool) {
			if i < 0 || i >= caps.Len() {
				return wire.CapDescriptor{}, false
			}
			return p.encodeResolvedCap(caps.At(i)), true
		}
	}
	in := wire.Payload{Content: call.Params.Content, CapTable: make([]wire.CapDescriptor, caps.Len())}
	params := remapPayload(in, mapper)
	p.releaseUnretained(caps)

	fq := &forwardedQuestion{answer: aid}
	var forwardedResultsTo wire.SendResultsTo
	switch call.SendResultsTo.Which {
	case wire.ResultsToThirdParty:
		fq.mode = forwardModeThirdParty
		fq.payload = call.SendResultsTo.Recipient
		forwardedResultsTo = wire.SendResultsTo{Which: wire.ResultsToThirdParty, Recipient: fq.payload}
	case wire.ResultsToYourself:
		fq.mode = forwardModeYourself
		forwardedResultsTo = wire.SendResultsTo{Which: wire.ResultsToYourself}
	default:
		fq.mode = forwardModeTail
		forwardedResultsTo = wire.SendResultsTo{Which: wire.ResultsToYourself}
	}

	q := p.newQuestion(context.Background(), nil)
	q.suppressAutoFinish = true
	fq.question = q.id
	p.forwarded[aid] = fq

	q.onReturn = func(ret *wire.Return, retCaps *InboundCapTable) {
		p.completeForwardedReturn(aid, q.id, fq, ret, retCaps)
	}

	p.sendMessage(newCallMessage(q.id, target, call.InterfaceID, call.MethodID, params, forwardedResultsTo))

	if fq.mode == forwardModeTail {
		// spec.md §4.6: elide the round trip by telling the caller
		// immediately which question now owns its results, rather than
		// waiting for the forwarded call to finish.
		p.sendMessage(newTakeFromOtherQuestionReturn(aid, q.id))
	}
}

// completeForwardedReturn translates the forwarded question's return
// into this peer's own return for aid, per fq.mode's translation
// rules (spec.md §4.6), then retires both the question and the
// forwarding link.
func (p *Peer) completeForwardedReturn(aid answerID, qid questionID, fq *forwardedQuestion, ret *wire.Return, retCaps *InboundCapTable) {
	switch fq.mode {
	case forwardModeTail:
		p.completeTailForward(aid, qid, ret)
	case forwardModeYourself:
		p.completeYourselfForward(aid, qid, ret)
	case forwardModeThirdParty:
		p.completeThirdPartyForward(aid, qid, fq, ret)
	}
}

// completeTailForward implements spec.md §4.6's tail-call completion:
// having already sent take_from_other_question, the only valid
// forwarded returns are results_sent_elsewhere (the forwarded call
// really did deliver to itself, as instructed) or canceled; anything
// else is a protocol violation, since this peer already told its
// caller to stop watching this answer id and look at the forwarded
// question instead.
func (p *Peer) completeTailForward(aid answerID, qid questionID, ret *wire.Return) {
	delete(p.forwarded, aid)
	p.popQuestion(qid)
	p.sendMessage(newFinish(qid, false))

	switch ret.Which {
	case wire.ReturnResultsSentElsewhere:
		p.resolveAnswer(aid, capnp.Ptr{}, nil, errPromiseBroken)
	case wire.ReturnCanceled:
		p.resolveAnswer(aid, capnp.Ptr{}, nil, errCallCanceled)
	default:
		p.abortConnection(errForwardedProtocolViolation)
	}
}

// completeYourselfForward implements spec.md §4.6's
// propagate_results_sent_elsewhere mode: results, results_sent_
// elsewhere, and accept_from_third_party all collapse to this peer's
// own results_sent_elsewhere upstream (its caller already agreed to
// fetch results itself); canceled and exception pass through;
// take_from_other_question has no local meaning since this peer never
// offered to hijack another question, and becomes an exception.
func (p *Peer) completeYourselfForward(aid answerID, qid questionID, ret *wire.Return) {
	delete(p.forwarded, aid)
	p.popQuestion(qid)
	p.sendMessage(newFinish(qid, ret.Which == wire.ReturnResults))

	switch ret.Which {
	case wire.ReturnResults, wire.ReturnResultsSentElsewhere, wire.ReturnAcceptFromThirdParty:
		p.resolveAnswer(aid, capnp.Ptr{}, nil, errPromiseBroken)
		p.sendMessage(newResultsSentElsewhereReturn(aid))
	case wire.ReturnCanceled:
		p.resolveAnswer(aid, capnp.Ptr{}, nil, errCallCanceled)
		p.sendMessage(newCanceledReturn(aid))
	case wire.ReturnException:
		err := &wire.Exception{Reason: ret.Exception.Reason, Type: ret.Exception.Type}
		p.resolveAnswer(aid, capnp.Ptr{}, nil, err)
		p.sendMessage(newExceptionReturn(aid, err))
	case wire.ReturnTakeFromOtherQuestion:
		p.resolveAnswer(aid, capnp.Ptr{}, nil, errForwardedUnsupportedTakeOther)
		p.sendMessage(newExceptionReturn(aid, errForwardedUnsupportedTakeOther))
	}
}

// completeThirdPartyForward implements spec.md §4.6's
// propagate_accept_from_third_party mode: results/results_sent_
// elsewhere translate to this peer's own accept_from_third_party
// carrying the captured recipient payload; an accept_from_third_party
// from the forwarded leg passes its own completion token through
// unchanged; canceled and exception pass through; take_from_other_
// question becomes an exception, as in the yourself mode.
func (p *Peer) completeThirdPartyForward(aid answerID, qid questionID, fq *forwardedQuestion, ret *wire.Return) {
	delete(p.forwarded, aid)
	p.popQuestion(qid)
	p.sendMessage(newFinish(qid, ret.Which == wire.ReturnResults))

	switch ret.Which {
	case wire.ReturnResults, wire.ReturnResultsSentElsewhere:
		p.resolveAnswer(aid, capnp.Ptr{}, nil, errPromiseBroken)
		p.sendMessage(newAcceptFromThirdPartyReturn(aid, fq.payload))
	case wire.ReturnAcceptFromThirdParty:
		p.resolveAnswer(aid, capnp.Ptr{}, nil, errPromiseBroken)
		p.sendMessage(newAcceptFromThirdPartyReturn(aid, ret.AcceptFromThirdParty))
	case wire.ReturnCanceled:
		p.resolveAnswer(aid, capnp.Ptr{}, nil, errCallCanceled)
		p.sendMessage(newCanceledReturn(aid))
	case wire.ReturnException:
		err := &wire.Exception{Reason: ret.Exception.Reason, Type: ret.Exception.Type}
		p.resolveAnswer(aid, capnp.Ptr{}, nil, err)
		p.sendMessage(newExceptionReturn(aid, err))
	case wire.ReturnTakeFromOtherQuestion:
		p.resolveAnswer(aid, capnp.Ptr{}, nil, errForwardedUnsupportedTakeOther)
		p.sendMessage(newExceptionReturn(aid, errForwardedUnsupportedTakeOther))
	}
}

// cancelForwardedQuestion propagates an early finish from the
// original caller into the question this peer is forwarding on its
// behalf, per spec.md §4.5's early-cancellation note.
func (p *Peer) cancelForwardedQuestion(aid answerID) {
	fq, ok := p.forwarded[aid]
	if !ok {
		return
	}
	delete(p.forwarded, aid)
	if q := p.popQuestion(fq.question); q != nil {
		p.sendMessage(newFinish(fq.question, true))
	}
}
