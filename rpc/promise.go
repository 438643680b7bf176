package rpc

import "github.com/lattice-rpc/capnppeer/rpc/internal/wire"

// queueOnExportPromise appends a call to an unresolved promise
// export's pending list, per spec.md §4.3 step 2.
func (p *Peer) queueOnExportPromise(e *Export, call *wire.Call, caps *InboundCapTable) {
	e.pending = append(e.pending, &pendingPromiseCall{call: call, caps: caps})
}

// queueOnAnswer appends a call to a not-yet-resolved answer's pending
// list, per spec.md §4.3 step 3.
func (p *Peer) queueOnAnswer(aid answerID, transform []wire.PipelineOp, call *wire.Call, caps *InboundCapTable) {
	e := p.newAnswerEntry(aid)
	e.pending = append(e.pending, &pendingPromiseCall{call: call, caps: caps, transform: transform})
}

// resolvePromiseExportToExport implements the promise-export half of
// spec.md §4.7: the export's promise resolves to a concrete handler.
// It emits the outbound `resolve`, flips the promise bookkeeping, and
// replays every queued call in insertion order.
func (p *Peer) resolvePromiseExportToExport(e *Export, handler Handler) {
	e.handler = handler
	e.resolved = true
	target := ResolvedCap{Which: ResolvedExported, ExportID: e.id}
	p.sendMessage(newResolveCap(uint32(e.id), p.encodeResolvedCap(target)))
	p.replayExportPromise(e)
}

// resolvePromiseExportToException resolves an export promise to a
// permanent failure: every queued call is answered with "promise
// broken" and the outbound `resolve` carries the exception.
func (p *Peer) resolvePromiseExportToException(e *Export, err error) {
	e.resolved = true
	p.sendMessage(newResolveException(uint32(e.id), err))
	pending := e.pending
	e.pending = nil
	for _, pc := range pending {
		p.failPendingPromiseCall(pc, errPromiseBroken)
	}
}

// replayExportPromise dispatches every call queued against e against
// its now-resolved target, in insertion order (spec.md §4.7: "Replay
// preserves insertion order for both queue kinds").
func (p *Peer) replayExportPromise(e *Export) {
	pending := e.pending
	e.pending = nil
	target := ResolvedCap{Which: ResolvedExported, ExportID: e.id}
	for _, pc := range pending {
		p.continueCallDispatch(pc.call, pc.caps, target)
	}
}

// failPendingPromiseCall answers a queued call with err and releases
// the capabilities its own params referenced.
func (p *Peer) failPendingPromiseCall(pc *pendingPromiseCall, err error) {
	p.sendMessage(newExceptionReturn(answerID(pc.call.QuestionID), err))
	p.releaseUnretained(pc.caps)
}
