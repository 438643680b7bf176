package rpc

import "github.com/lattice-rpc/capnppeer/rpc/internal/wire"

// pendingEmbargoedAccept is an `accept` queued behind an embargo key,
// per spec.md §3's PendingEmbargoedAccept.
type pendingEmbargoedAccept struct {
	answerID         answerID
	providedQuestion questionID
	target           ResolvedCap
}

// handleDisembargo implements the inbound `disembargo` message for
// all three contexts (spec.md §4.7 step 2's sender-loopback, its
// receiver-loopback counterpart, and the accept context spec.md §8
// scenario 3 exercises).
func (p *Peer) handleDisembargo(msg *wire.Disembargo) error {
	switch msg.Context {
	case wire.DisembargoReceiverLoopback:
		// This is the echo of a sender-loopback disembargo we issued
		// in handleResolve: clear the embargo and let the
		// ResolvedImport's capability be used directly from now on.
		promiseID, ok := p.pendingEmbargoes[embargoID(msg.EmbargoID)]
		if !ok {
			return nil
		}
		delete(p.pendingEmbargoes, embargoID(msg.EmbargoID))
		if e := p.imports[promiseID]; e != nil && e.resolved != nil {
			e.resolved.embargoed = false
		}
		return nil
	case wire.DisembargoSenderLoopback:
		// The remote is embargoing a call path that runs through one
		// of our answers (promised_answer target only, per spec.md
		// §4.7's invariant that sender-loopback always names a
		// promised-answer target). Since this peer processes calls
		// synchronously, there is nothing left in flight to embargo
		// by the time this arrives: echo back a receiver-loopback
		// disembargo immediately.
		if msg.Target.Which != wire.TargetPromisedAnswer {
			return errDisembargoNonImport
		}
		aid := answerID(msg.Target.PromisedAnswer.QuestionID)
		if _, ok := p.answers[aid]; !ok {
			return errDisembargoMissingAnswer
		}
		p.sendMessage(newReceiverLoopbackDisembargo(msg.Target, msg.EmbargoID))
		return nil
	case wire.DisembargoAccept:
		p.drainEmbargoedAccepts(msg.EmbargoKey)
		return nil
	default:
		p.sendMessage(newUnimplementedMessage(&wire.Message{Which: wire.WhichDisembargo, Disembargo: msg}))
		return nil
	}
}

// queueEmbargoedAccept registers a pending embargoed accept keyed by
// key, to be drained once the matching disembargo.accept arrives.
func (p *Peer) queueEmbargoedAccept(key []byte, pa *pendingEmbargoedAccept) {
	k := string(key)
	p.embargoedAccepts[k] = append(p.embargoedAccepts[k], pa)
}

// drainEmbargoedAccepts completes every accept queued under key, in
// insertion order, and removes the key's queue. Per the open question
// in spec.md §9, keys may be reused across many accept operations
// once drained: this module treats them as a transient routing index,
// never a permanent identity, so draining simply empties (rather than
// permanently retiring) the key's slot.
func (p *Peer) drainEmbargoedAccepts(key []byte) {
	k := string(key)
	pending := p.embargoedAccepts[k]
	delete(p.embargoedAccepts, k)
	for _, pa := range pending {
		p.completeAccept(pa)
	}
}

// removeEmbargoedAcceptsForQuestion drops any queued embargoed accept
// referring to questionID, per spec.md §4.5 item 4; if a key's queue
// empties as a result, the key entry itself is dropped.
func (p *Peer) removeEmbargoedAcceptsForQuestion(id questionID) {
	for key, list := range p.embargoedAccepts {
		kept := list[:0]
		for _, pa := range list {
			if pa.providedQuestion != id {
				kept = append(kept, pa)
			}
		}
		if len(kept) == 0 {
			delete(p.embargoedAccepts, key)
		} else {
			p.embargoedAccepts[key] = kept
		}
	}
}
