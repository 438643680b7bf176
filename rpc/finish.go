package rpc

import "github.com/lattice-rpc/capnppeer/rpc/internal/wire"

// handleFinish implements the inbound `finish` message, per spec.md
// §4.5: the caller is done with an answer we own. This retires the
// answerEntry's bookkeeping, releasing its stored result's capability
// table when ReleaseResultCaps is set, and drops any provide/join/
// embargoed-accept state that referenced the retiring question.
func (p *Peer) handleFinish(msg *wire.Finish) error {
	id := answerID(msg.QuestionID)

	p.removeProvideForQuestion(questionID(msg.QuestionID))
	p.removeJoinPartForQuestion(questionID(msg.QuestionID))
	p.removeEmbargoedAcceptsForQuestion(questionID(msg.QuestionID))

	if e := p.answers[id]; e != nil && e.resolved == nil {
		// The call was still outstanding (e.g. forwarded) when finish
		// arrived: spec.md §4.5 item 1's early-cancellation path. Fail
		// any calls pipelined against it so they don't wait forever.
		p.cancelForwardedQuestion(id)
		p.failAnswer(id, errCallCanceled)
	}

	p.freeAnswer(id, msg.ReleaseResultCaps)
	return nil
}
