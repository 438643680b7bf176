package rpc

import "github.com/lattice-rpc/capnppeer/rpc/internal/wire"

// bufferedThirdPartyReturn is a return frame that arrived addressed to
// a reserved-range answer id before that id had a matching
// questions-table entry (spec.md §4.4 step 1 / §4.8's answer-first
// race), held for replay once adoption unifies the id with the
// original Question it belongs to.
type bufferedThirdPartyReturn struct {
	ret  *wire.Return
	caps *InboundCapTable
}

// thirdPartyAwait is this peer's side of a three-party handoff while
// it still holds a question whose results were sent elsewhere
// (spec.md §3's PendingThirdPartyAwait): it is waiting to learn which
// reserved-range answer id to accept the real results from.
type thirdPartyAwait struct {
	question   questionID
	completion []byte
	onAnswerID func(id answerID)
}

// thirdPartyAnswerEntry is this peer's side of having told a caller
// "ask the third party" (spec.md §3's PendingThirdPartyAnswer): a
// reserved-range answer id this peer minted, rooted in the resolved
// capability the inbound call actually dispatched against, kept alive
// until an `accept` (or an equivalent local lookup) claims it.
type thirdPartyAnswerEntry struct {
	id         answerID
	completion []byte
	target     ResolvedCap
}

// registerThirdPartyAnswer mints a reserved-range answer id for a call
// whose results were routed elsewhere, per spec.md §4.8 and the
// reserved-id-range rule in spec.md §6/§9 (bit 30 set, bit 31 clear).
// If an await for the same completion token already arrived (the
// await-first ordering), the waiting
// question is satisfied immediately instead of being stored.
func (p *Peer) registerThirdPartyAnswer(completion []byte, rc ResolvedCap) answerID {
	key := string(completion)
	id := answerID(p.thirdPartyAnswerIDs.alloc() | thirdPartyIDBit)
	entry := &thirdPartyAnswerEntry{id: id, completion: completion, target: rc}

	if aw, ok := p.thirdPartyAwaits[key]; ok {
		delete(p.thirdPartyAwaits, key)
		aw.onAnswerID(id)
		return id
	}
	p.thirdPartyAnswers[key] = entry
	return id
}

// awaitThirdPartyAnswer registers a callback to run once the answer id
// matching completion is known, satisfying it immediately if the
// matching thirdPartyAnswer already arrived.
func (p *Peer) awaitThirdPartyAnswer(qid questionID, completion []byte, onAnswerID func(id answerID)) {
	key := string(completion)
	if entry, ok := p.thirdPartyAnswers[key]; ok {
		delete(p.thirdPartyAnswers, key)
		onAnswerID(entry.id)
		return
	}
	p.thirdPartyAwaits[key] = &thirdPartyAwait{question: qid, completion: completion, onAnswerID: onAnswerID}
}

// handleThirdPartyAnswer implements the inbound `thirdPartyAnswer`
// message: the peer that received a `provide` tells us which of its
// reserved-range answer ids carries the results we are owed, keyed by
// the opaque completion token shared out of band via the
// `return.acceptFromThirdParty` that preceded it.
func (p *Peer) handleThirdPartyAnswer(msg *wire.ThirdPartyAnswer) error {
	if !isThirdPartyAnswerID(msg.AnswerID) {
		return errInvalidThirdPartyAnswerID
	}
	if len(msg.Completion) == 0 {
		return errThirdPartyMissingCompletion
	}
	key := string(msg.Completion)
	id := answerID(msg.AnswerID)

	if aw, ok := p.thirdPartyAwaits[key]; ok {
		delete(p.thirdPartyAwaits, key)
		aw.onAnswerID(id)
		return nil
	}
	if _, exists := p.thirdPartyAnswers[key]; exists {
		return errConflictingThirdPartyAnswer
	}
	p.thirdPartyAnswers[key] = &thirdPartyAnswerEntry{id: id, completion: msg.Completion}
	return nil
}

// adoptThirdPartyAnswer unifies a reserved-range answer id with the
// original Question that is awaiting it, per spec.md §4.8 step 3:
// "move the original Question under questions[answer_id] =
// original_question." The reserved id becomes a second key into
// p.questions for the same *Question; q.id's own entry is not touched
// here (completeThirdPartyAdoption pops it when it sends the original
// leg's finish). Any return that arrived
// addressed to id before this moment (the answer-first race) is
// replayed immediately.
func (p *Peer) adoptThirdPartyAnswer(q *Question, id answerID) {
	p.adoptedThirdPartyAnswers[id] = q.id
	p.questions[questionID(id)] = q

	buf, ok := p.pendingThirdPartyReturns[id]
	if !ok {
		return
	}
	delete(p.pendingThirdPartyReturns, id)
	p.deliverAdoptedReturn(q, id, buf.ret, buf.caps)
}

// deliverAdoptedReturn processes a return addressed to the adopted
// reserved-range id (buffered before adoption, or matched by
// handleReturn after it), the way completeMatchedReturn processes a
// return matched directly: the callback-visible copy has its answer id
// rewritten to the original question id (spec.md §4.8 step 4), and the
// finish this return earns is addressed to the adopted id, giving the
// two-finish sequence (adopted id, then original id) spec.md §8
// scenario 4 exercises.
func (p *Peer) deliverAdoptedReturn(q *Question, id answerID, ret *wire.Return, caps *InboundCapTable) {
	visible := *ret
	visible.AnswerID = uint32(q.id)

	if q.onReturn != nil {
		q.onReturn(&visible, caps)
	}

	if ret.NoFinishNeeded {
		delete(p.questions, questionID(id))
		return
	}
	if q.suppressAutoFinish {
		return
	}
	delete(p.questions, questionID(id))
	p.sendMessage(newFinish(questionID(id), ret.Which == wire.ReturnResults))
}

// resolveThirdPartyAnswer looks up the answer a reserved-range id
// refers to, for an accept that targets it directly rather than via a
// Provision token from a provide/accept handshake.
func (p *Peer) resolveThirdPartyAnswer(id answerID) (ResolvedCap, bool) {
	for _, e := range p.thirdPartyAnswers {
		if e.id == id {
			return e.target, true
		}
	}
	return ResolvedCap{}, false
}
