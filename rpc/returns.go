package rpc

import (
	"github.com/lattice-rpc/capnppeer/rpc/internal/wire"
)

// handleReturn implements the inbound `return` message, per spec.md
// §4.4: it fulfills the matching Question's on_return obligation and,
// unless the question is a tail call the forwarder is managing
// (suppressAutoFinish) or the remote already indicated
// noFinishNeeded, emits the automatic outbound finish that retires
// the question. A return addressed to an adopted reserved-range id
// goes through deliverAdoptedReturn instead.
func (p *Peer) handleReturn(msg *wire.Return) error {
	q := p.findQuestion(questionID(msg.AnswerID))
	if q == nil {
		return p.handleUnmatchedReturn(msg)
	}
	if _, adopted := p.adoptedThirdPartyAnswers[answerID(msg.AnswerID)]; adopted {
		p.deliverAdoptedReturn(q, answerID(msg.AnswerID), msg, p.decodeInboundCapTable(msg.Results.CapTable))
		return nil
	}
	return p.completeMatchedReturn(q, msg)
}

// handleUnmatchedReturn implements spec.md §4.4 step 1 for a return
// whose answer id names no questions-table entry: if the id falls in
// the third-party-adopted range and no buffered return already exists
// for it, the frame is held for replay once adoption unifies it with
// its original Question (spec.md §4.8's answer-first race); any other
// miss is a protocol violation.
func (p *Peer) handleUnmatchedReturn(msg *wire.Return) error {
	if !isThirdPartyAnswerID(msg.AnswerID) {
		return errUnknownQuestion
	}
	id := answerID(msg.AnswerID)
	if _, buffered := p.pendingThirdPartyReturns[id]; buffered {
		return errUnknownQuestion
	}
	p.pendingThirdPartyReturns[id] = &bufferedThirdPartyReturn{
		ret:  msg,
		caps: p.decodeInboundCapTable(msg.Results.CapTable),
	}
	return nil
}

// completeMatchedReturn implements spec.md §4.4 steps 2-4 for a return
// whose answer id matches question q: build the InboundCapTable,
// handle the accept_from_third_party/take_from_other_question tags,
// fulfill q's on_return obligation, and emit the automatic finish
// unless q is a tail call the forwarder is managing
// (suppressAutoFinish) or the remote already indicated
// noFinishNeeded.
func (p *Peer) completeMatchedReturn(q *Question, msg *wire.Return) error {
	if msg.Which == wire.ReturnAcceptFromThirdParty {
		return p.completeThirdPartyAdoption(q, msg)
	}

	caps := p.decodeInboundCapTable(msg.Results.CapTable)

	if msg.Which == wire.ReturnTakeFromOtherQuestion {
		// This peer does not implement hijacking another of its own
		// questions' results (a Level 3 optimization, spec.md §9's
		// design notes on forwarding); report it to the waiting
		// caller as a local failure rather than aborting the
		// connection, since the remote's behavior here is still valid
		// protocol even though this module can't take advantage of it.
		msg = &wire.Return{AnswerID: msg.AnswerID, Which: wire.ReturnException, Exception: exceptionOf(errForwardedUnsupportedTakeOther)}
	}

	if q.onReturn != nil {
		q.onReturn(msg, caps)
	}

	if msg.NoFinishNeeded || q.suppressAutoFinish {
		if msg.NoFinishNeeded {
			p.popQuestion(q.id)
		}
		return nil
	}

	p.popQuestion(q.id)
	q.finished = true
	p.sendMessage(newFinish(q.id, msg.Which == wire.ReturnResults))
	for _, eid := range q.paramCaps {
		p.releaseExport(eid, 1)
	}
	return nil
}

// completeThirdPartyAdoption implements spec.md §4.8's caller-side
// handling of a return.accept_from_third_party: q itself carries no
// real results (the real answer travels via whichever reserved-range
// answer id the thirdPartyAnswer message names), so q.onReturn is not
// invoked here — only once the adopted id's own return arrives
// (possibly already buffered, the answer-first race) does the caller
// learn the actual outcome. q's own finish obligation for this leg is
// still retired normally.
func (p *Peer) completeThirdPartyAdoption(q *Question, msg *wire.Return) error {
	if len(msg.AcceptFromThirdParty) == 0 {
		return errThirdPartyMissingCompletion
	}
	p.awaitThirdPartyAnswer(q.id, msg.AcceptFromThirdParty, func(id answerID) {
		p.adoptThirdPartyAnswer(q, id)
	})

	if msg.NoFinishNeeded || q.suppressAutoFinish {
		if msg.NoFinishNeeded {
			p.popQuestion(q.id)
		}
		return nil
	}

	p.popQuestion(q.id)
	q.finished = true
	p.sendMessage(newFinish(q.id, false))
	for _, eid := range q.paramCaps {
		p.releaseExport(eid, 1)
	}
	return nil
}
