package rpc

import (
	"context"

	"github.com/lattice-rpc/capnppeer/rpc/internal/wire"
)

// Call issues an outbound call against a resolved capability, per
// spec.md §6's external call-making interface. When target names a
// capability this Peer itself hosts (and which has already resolved,
// if it was a promise), the call is dispatched synchronously against
// the local handler and cb is invoked before Call returns — spec.md
// §4.10's loopback path, which exists so a process never waits on its
// own transport round trip to call its own exports. Otherwise the
// call is sent to the remote and cb runs whenever the matching return
// arrives.
func (p *Peer) Call(ctx context.Context, target ResolvedCap, ifaceID uint64, methodID uint16, params wire.Payload, paramCaps []exportID, cb onReturn) *Question {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callLocked(ctx, target, ifaceID, methodID, params, paramCaps, cb)
}

func (p *Peer) callLocked(ctx context.Context, target ResolvedCap, ifaceID uint64, methodID uint16, params wire.Payload, paramCaps []exportID, cb onReturn) *Question {
	if target.Which == ResolvedExported {
		if e := p.findExport(target.ExportID); e != nil && !(e.isPromise && !e.resolved) {
			return p.deliverLoopbackCall(ctx, e, ifaceID, methodID, params, paramCaps, cb)
		}
	}

	q := p.newQuestion(ctx, cb)
	q.paramCaps = paramCaps

	wt := callTargetFor(target)
	p.sendMessage(newCallMessage(q.id, wt, ifaceID, methodID, params, wire.SendResultsTo{Which: wire.ResultsToCaller}))
	return q
}

// callTargetFor encodes a ResolvedCap as the wire.MessageTarget an
// outbound call naming it should carry.
func callTargetFor(rc ResolvedCap) wire.MessageTarget {
	if rc.Which == ResolvedPromised {
		return wire.MessageTarget{
			Which: wire.TargetPromisedAnswer,
			PromisedAnswer: wire.PromisedAnswer{
				QuestionID: uint32(rc.PromiseQuestionID),
				Transform:  rc.PromiseTransform,
			},
		}
	}
	return wire.MessageTarget{Which: wire.TargetImportedCap, ImportedCap: uint32(rc.ImportID)}
}

// deliverLoopbackCall is the no-transport-round-trip counterpart of
// sending a call and handling its return: it invokes e's handler,
// synthesizes a wire.Return from the outcome and feeds it straight to
// cb. The question it allocates is never exposed to the remote and is
// popped before cb runs.
func (p *Peer) deliverLoopbackCall(ctx context.Context, e *Export, ifaceID uint64, methodID uint16, params wire.Payload, paramCaps []exportID, cb onReturn) *Question {
	q := p.newQuestion(ctx, cb)
	q.isLoopback = true
	q.suppressAutoFinish = true

	mc := &MethodCall{InterfaceID: ifaceID, MethodID: methodID, Params: params.Content.Struct()}
	mc.resultsSeg = newResultsSegment()

	err := e.handler.Call(ctx, mc)
	for _, eid := range paramCaps {
		p.releaseExport(eid, 1)
	}

	p.popQuestion(q.id)

	var ret *wire.Return
	if err != nil {
		ret = &wire.Return{Which: wire.ReturnException, Exception: exceptionOf(err)}
	} else {
		content := mc.Results().ToPtr()
		ret = &wire.Return{Which: wire.ReturnResults, Results: wire.Payload{Content: content}}
	}
	if cb != nil {
		cb(ret, nil)
	}
	return q
}
