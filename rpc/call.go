package rpc

import (
	"context"

	"zombiezen.com/go/capnproto2"

	"github.com/lattice-rpc/capnppeer/rpc/internal/wire"
)

// handleCall implements the inbound `call` message: spec.md §4.3's
// routing decision tree (direct dispatch, queue behind an unresolved
// promise export, or queue behind a not-yet-returned answer).
func (p *Peer) handleCall(msg *wire.Call) error {
	if e, exists := p.answers[answerID(msg.QuestionID)]; exists && e.resolved != nil {
		return errAnswerIDReused
	}
	caps := p.decodeInboundCapTable(msg.Params.CapTable)

	res := p.resolveMessageTarget(msg.Target)
	if res.err != nil {
		p.releaseUnretained(caps)
		p.sendMessage(newExceptionReturn(answerID(msg.QuestionID), res.err))
		return nil
	}
	if res.queued {
		if res.queueOnExport {
			if e := p.findExport(res.queueExportID); e != nil {
				p.queueOnExportPromise(e, msg, caps)
				return nil
			}
			p.releaseUnretained(caps)
			p.sendMessage(newExceptionReturn(answerID(msg.QuestionID), errUnknownCapability))
			return nil
		}
		p.queueOnAnswer(res.queueAnswerID, res.queueTransform, msg, caps)
		return nil
	}
	p.dispatchCall(msg, caps, res.cap)
	return nil
}

// continueCallDispatch is the replay entry point used by the Promise
// subsystem (promise.go, answer.go) once a queued call's target
// resolves.
func (p *Peer) continueCallDispatch(call *wire.Call, caps *InboundCapTable, target ResolvedCap) {
	p.dispatchCall(call, caps, target)
}

// dispatchCall routes a call whose target has fully resolved to rc:
// imported capabilities are forwarded (forward.go), locally hosted
// capabilities are invoked synchronously, and anything else answers
// "unknown capability" (spec.md §4.3 step 4: "otherwise, dispatch
// synchronously against the resolved handler").
func (p *Peer) dispatchCall(call *wire.Call, caps *InboundCapTable, rc ResolvedCap) {
	aid := answerID(call.QuestionID)
	ans := p.newAnswerEntry(aid)

	switch call.SendResultsTo.Which {
	case wire.ResultsToYourself:
		ans.sendResultsToYourself = true
	case wire.ResultsToThirdParty:
		ans.sendResultsToThirdParty = call.SendResultsTo.Recipient
	}

	if rc.Which == ResolvedImported {
		p.forwardCall(call, caps, rc)
		return
	}

	handler, ok := p.handlerFor(rc)
	if !ok {
		p.releaseUnretained(caps)
		p.sendMessage(newExceptionReturn(aid, errUnknownCapability))
		p.freeAnswer(aid, false)
		return
	}

	mc := &MethodCall{InterfaceID: call.InterfaceID, MethodID: call.MethodID, Params: call.Params.Content.Struct()}
	seg := newResultsSegment()
	mc.resultsSeg = seg

	err := handler.Call(context.Background(), mc)
	p.releaseUnretained(caps)

	if err != nil {
		p.resolveAnswer(aid, capnp.Ptr{}, nil, err)
		p.sendMessage(newExceptionReturn(aid, err))
		return
	}

	content := mc.Results().ToPtr()
	capTable := p.capTableForResultsSegment(mc)
	p.resolveAnswer(aid, content, capTable, nil)

	if ans.sendResultsToYourself {
		// spec.md §3's SendResultsRouting.sent_to_self: nothing is sent
		// over the transport; the result stays in the Answers table,
		// where calls pipelined on promised_answer(aid) resolve against
		// it.
		return
	}
	if len(ans.sendResultsToThirdParty) > 0 {
		// spec.md §4.8: results are held here for a third party to
		// accept, not sent back to the caller directly. Mint the
		// reserved-range answer id the eventual accept will target,
		// send a thirdPartyAnswer naming that id (keyed by the
		// completion token) over this Peer's transport, and answer the
		// call with accept_from_third_party carrying the same opaque
		// completion token.
		capRef := ResolvedCap{}
		if len(capTable) > 0 {
			capRef = capTable[0]
		}
		completion := ans.sendResultsToThirdParty
		tpID := p.registerThirdPartyAnswer(completion, capRef)
		p.sendMessage(newThirdPartyAnswerMessage(tpID, completion))
		p.sendMessage(&wire.Message{
			Which: wire.WhichReturn,
			Return: &wire.Return{
				AnswerID:             uint32(aid),
				Which:                wire.ReturnAcceptFromThirdParty,
				AcceptFromThirdParty: completion,
			},
		})
		return
	}
	payload := wire.Payload{Content: content, CapTable: capTableToDescriptors(capTable, p)}
	p.sendMessage(newResultsReturn(aid, payload))
}

// handlerFor looks up the Handler a resolved capability names. Only
// ResolvedExported is locally callable; every other kind refers to a
// capability this peer does not itself host.
func (p *Peer) handlerFor(rc ResolvedCap) (Handler, bool) {
	if rc.Which != ResolvedExported {
		return nil, false
	}
	e := p.findExport(rc.ExportID)
	if e == nil || e.handler == nil {
		return nil, false
	}
	return e.handler, true
}

// sendResultsCap completes a `provide`/`join`/`accept` flow by
// returning a capability pointer naming e, built the way
// kasvtv-go-capnproto2/rpc/rpc.go's handleBootstrapMessage builds its
// single-capability response message: a throwaway single-segment
// message whose only purpose is to carry an interface pointer at
// capability index 0, paired with the real CapDescriptor carrying e's
// export id.
func (p *Peer) sendResultsCap(aid answerID, e *Export) {
	content := interfacePtrPlaceholder()
	desc := p.descriptorForExport(e)
	p.sendMessage(newResultsReturn(aid, wire.Payload{Content: content, CapTable: []wire.CapDescriptor{desc}}))
}

// interfacePtrPlaceholder builds a capnp.Ptr that is an interface
// pointer at capability index 0 of a fresh throwaway message, per the
// pattern above. The codec attached to the real transport is
// responsible for relocating this pointer into the outbound message
// it actually serializes; this module only needs something that
// reports Interface().IsValid() with capability index 0.
func interfacePtrPlaceholder() capnp.Ptr {
	m := &capnp.Message{Arena: capnp.SingleSegment(make([]byte, 0))}
	s, _ := m.Segment(0)
	return capnp.NewInterface(s, 0).ToPtr()
}

// newResultsSegment allocates the throwaway segment a handler's
// AllocResults call writes into.
func newResultsSegment() *capnp.Segment {
	m := &capnp.Message{Arena: capnp.SingleSegment(make([]byte, 0))}
	s, _ := m.Segment(0)
	return s
}

// capTableForResultsSegment returns the capability table a handler
// registered into its results via MethodCall.SetResultCap, read back
// here rather than discarded so a handler can return capabilities of
// its own (spec.md §2's CapTable, §4.9's reference counting).
func (p *Peer) capTableForResultsSegment(mc *MethodCall) []ResolvedCap { return mc.ResultCaps() }

// capTableToDescriptors encodes a stored ResolvedAnswer capability
// table back out for an outbound payload.
func capTableToDescriptors(caps []ResolvedCap, p *Peer) []wire.CapDescriptor {
	if len(caps) == 0 {
		return nil
	}
	out := make([]wire.CapDescriptor, len(caps))
	for i, rc := range caps {
		out[i] = p.encodeResolvedCap(rc)
	}
	return out
}
