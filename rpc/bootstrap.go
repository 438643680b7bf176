package rpc

import (
	"context"

	"github.com/lattice-rpc/capnppeer/rpc/internal/wire"
)

// handleBootstrap implements the inbound `bootstrap` message, per
// spec.md §4.2: answer with the locally configured bootstrap export,
// or an exception if none was configured. Grounded directly on
// kasvtv-go-capnproto2/rpc/rpc.go's handleBootstrapMessage, which
// builds the same single-capability-pointer response this module's
// sendResultsCap also builds.
func (p *Peer) handleBootstrap(msg *wire.Bootstrap) error {
	aid := answerID(msg.QuestionID)
	if p.bootstrapExport == nil {
		p.sendMessage(newExceptionReturn(aid, errBootstrapNotConfigured))
		return nil
	}
	p.newAnswerEntry(aid)
	content := interfacePtrPlaceholder()
	desc := p.descriptorForExport(p.bootstrapExport)
	rc := ResolvedCap{Which: ResolvedExported, ExportID: p.bootstrapExport.id}
	p.resolveAnswer(aid, content, []ResolvedCap{rc}, nil)
	p.sendMessage(newResultsReturn(aid, wire.Payload{Content: content, CapTable: []wire.CapDescriptor{desc}}))
	return nil
}

// Bootstrap issues an outbound bootstrap call and returns a Question
// whose onReturn obligation is satisfied by cb. Loopback is handled
// the same way any other outbound call's target would be: if this
// Peer is later asked to deliver the return to itself (not currently
// possible for bootstrap, since there is only ever one remote), the
// normal onReturn path still applies.
func (p *Peer) Bootstrap(ctx context.Context, cb func(ret *wire.Return, caps *InboundCapTable)) *Question {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.newQuestion(ctx, cb)
	p.sendMessage(newBootstrapCall(q.id))
	return q
}
