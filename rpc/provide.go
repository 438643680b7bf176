package rpc

import (
	"context"

	"zombiezen.com/go/capnproto2"

	"github.com/lattice-rpc/capnppeer/rpc/internal/wire"
)

// provideEntry is a capability offered for third-party handoff, per
// spec.md §3's ProvideEntry.
type provideEntry struct {
	questionID questionID
	recipient  string // string(Recipient bytes); the map key itself
	target     ResolvedCap
}

// joinState is in-progress multi-part join bookkeeping, per spec.md
// §3's JoinState, and is resolved per SPEC_FULL.md §4.11.
type joinState struct {
	partCount uint16
	parts     map[uint16]joinPart
}

type joinPart struct {
	question questionID
	target   ResolvedCap
}

// handleProvide implements the inbound `provide` message: this peer
// is told that Target should be made available to whoever later
// presents Recipient via `accept`.
func (p *Peer) handleProvide(msg *wire.Provide) error {
	key := string(msg.Recipient)
	if _, exists := p.provides[key]; exists {
		return errDuplicateProvideRecipient
	}
	res := p.resolveMessageTarget(msg.Target)
	if res.err != nil {
		p.sendMessage(newExceptionReturn(answerID(msg.QuestionID), res.err))
		return nil
	}
	if res.queued {
		// spec.md does not narrate queuing behavior for provide
		// targets; this module resolves synchronously and reports
		// unavailability rather than queuing, since every target
		// this peer's handlers produce resolves immediately in the
		// absence of a pending forwarded call.
		p.sendMessage(newExceptionReturn(answerID(msg.QuestionID), errUnknownCapability))
		return nil
	}
	p.provides[key] = &provideEntry{questionID: questionID(msg.QuestionID), recipient: key, target: res.cap}
	return nil
}

// handleAccept implements the inbound `accept` message: the sender
// claims the capability offered under msg.Provision. If the accept
// requested an embargo, completion is deferred until the matching
// `disembargo.accept` drains it (spec.md §3 PendingEmbargoedAccept,
// §8 scenario 3).
func (p *Peer) handleAccept(msg *wire.Accept) error {
	pe, ok := p.provides[string(msg.Provision)]
	if !ok {
		p.sendMessage(newExceptionReturn(answerID(msg.QuestionID), errUnknownCapability))
		return nil
	}
	pa := &pendingEmbargoedAccept{
		answerID:         answerID(msg.QuestionID),
		providedQuestion: pe.questionID,
		target:           pe.target,
	}
	if msg.EmbargoRequested {
		p.queueEmbargoedAccept(msg.EmbargoKey, pa)
		return nil
	}
	p.completeAccept(pa)
	return nil
}

// completeAccept sends the accept's return: a sender-hosted
// capability pointing at the provided target, wrapped as a fresh
// export so the accepting peer can address it directly from now on.
// Resolving the answer here, not just sending the return, is what
// drains any pipelined call already queued on
// promised_answer(pa.answerID) (spec.md §4.3 step 3 / §8 scenario 3).
func (p *Peer) completeAccept(pa *pendingEmbargoedAccept) {
	e := p.wrapAsExport(pa.target)
	content := interfacePtrPlaceholder()
	rc := ResolvedCap{Which: ResolvedExported, ExportID: e.id}
	p.resolveAnswer(pa.answerID, content, []ResolvedCap{rc}, nil)
	p.sendResultsCap(pa.answerID, e)
}

// wrapAsExport returns an Export the accepting/joining peer can call
// directly. When rc already names a locally hosted capability this is
// just that Export; otherwise (the provided target resolved to a
// capability this peer itself only imports, or to one still pending
// on a local answer) a fresh export is minted whose handler reports
// "unknown capability" rather than forwarding the call on: routing a
// call through to whichever third connection actually hosts rc would
// need a registry of live peer connections, which is out of this
// module's single-Transport Peer scope (see DESIGN.md).
func (p *Peer) wrapAsExport(rc ResolvedCap) *Export {
	if rc.Which == ResolvedExported {
		if e := p.findExport(rc.ExportID); e != nil {
			return e
		}
	}
	return p.addExport(HandlerFunc(func(ctx context.Context, call *MethodCall) error {
		return errUnknownCapability
	}))
}

// handleJoin implements SPEC_FULL.md §4.11.
func (p *Peer) handleJoin(msg *wire.Join) error {
	res := p.resolveMessageTarget(msg.Target)
	if res.err != nil {
		p.sendMessage(newExceptionReturn(answerID(msg.QuestionID), res.err))
		return nil
	}
	key := string(msg.KeyPart.JoinKey)
	js, ok := p.joins[key]
	if !ok {
		js = &joinState{partCount: msg.KeyPart.PartCount, parts: make(map[uint16]joinPart)}
		p.joins[key] = js
	}
	if _, dup := js.parts[msg.KeyPart.PartNum]; dup {
		return errDuplicateJoinQuestion
	}
	js.parts[msg.KeyPart.PartNum] = joinPart{question: questionID(msg.QuestionID), target: res.cap}
	p.joinQuestionKey[questionID(msg.QuestionID)] = key

	if uint16(len(js.parts)) < js.partCount {
		return nil
	}
	delete(p.joins, key)
	p.evaluateJoin(js)
	return nil
}

// evaluateJoin resolves a fully-assembled join, per SPEC_FULL.md
// §4.11 step 3.
func (p *Peer) evaluateJoin(js *joinState) {
	var first *ResolvedCap
	mismatch := false
	for i := uint16(0); i < js.partCount; i++ {
		part, ok := js.parts[i]
		if !ok {
			continue
		}
		if first == nil {
			c := part.target
			first = &c
			continue
		}
		if !sameCapability(*first, part.target) {
			mismatch = true
		}
	}
	for i := uint16(0); i < js.partCount; i++ {
		part, ok := js.parts[i]
		if !ok {
			continue
		}
		delete(p.joinQuestionKey, part.question)
		aid := answerID(part.question)
		if mismatch {
			p.resolveAnswer(aid, capnp.Ptr{}, nil, errJoinTargetMismatch)
			p.sendMessage(newExceptionReturn(aid, errJoinTargetMismatch))
			continue
		}
		e := p.wrapAsExport(part.target)
		content := interfacePtrPlaceholder()
		rc := ResolvedCap{Which: ResolvedExported, ExportID: e.id}
		p.resolveAnswer(aid, content, []ResolvedCap{rc}, nil)
		p.sendResultsCap(aid, e)
	}
}

// sameCapability reports whether two resolved capabilities name the
// same underlying identity, used to decide whether a join's parts
// agree.
func sameCapability(a, b ResolvedCap) bool {
	if a.Which != b.Which {
		return false
	}
	switch a.Which {
	case ResolvedExported:
		return a.ExportID == b.ExportID
	case ResolvedImported:
		return a.ImportID == b.ImportID
	case ResolvedPromised:
		return a.PromiseQuestionID == b.PromiseQuestionID
	default:
		return true
	}
}

// removeJoinPartForQuestion implements spec.md §4.5 item 3.
func (p *Peer) removeJoinPartForQuestion(id questionID) {
	key, ok := p.joinQuestionKey[id]
	if !ok {
		return
	}
	delete(p.joinQuestionKey, id)
	js, ok := p.joins[key]
	if !ok {
		return
	}
	for num, part := range js.parts {
		if part.question == id {
			delete(js.parts, num)
		}
	}
	if len(js.parts) == 0 {
		delete(p.joins, key)
	}
}

// removeProvideForQuestion implements spec.md §4.5 item 2.
func (p *Peer) removeProvideForQuestion(id questionID) {
	for key, pe := range p.provides {
		if pe.questionID == id {
			delete(p.provides, key)
			return
		}
	}
}

// ProvideCapability offers target to a third party identified by
// recipient, per spec.md §6's outbound provide surface.
func (p *Peer) ProvideCapability(ctx context.Context, target ResolvedCap, recipient []byte, cb onReturn) *Question {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.newQuestion(ctx, cb)
	p.sendMessage(newProvideMessage(q.id, callTargetFor(target), recipient))
	return q
}

// AcceptProvided claims a capability previously offered under
// provision, optionally requesting an embargo so calls already in
// flight along the old path are guaranteed to complete first.
func (p *Peer) AcceptProvided(ctx context.Context, provision []byte, requestEmbargo bool, embargoKey []byte, cb onReturn) *Question {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.newQuestion(ctx, cb)
	p.sendMessage(newAcceptMessage(q.id, provision, requestEmbargo, embargoKey))
	if requestEmbargo {
		p.sendMessage(newAcceptDisembargo(embargoKey))
	}
	return q
}

// JoinCapability sends one part of a multi-part join, per SPEC_FULL.md
// §4.11.
func (p *Peer) JoinCapability(ctx context.Context, target ResolvedCap, part wire.JoinKeyPart, cb onReturn) *Question {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.newQuestion(ctx, cb)
	p.sendMessage(newJoinMessage(q.id, callTargetFor(target), part))
	return q
}
