package rpc

import "github.com/lattice-rpc/capnppeer/rpc/internal/wire"

// HandleMessage is the single entry point for inbound data, per
// spec.md §4.1's dispatcher: one decoded message in, dispatched
// synchronously to completion against the matching handler under the
// Peer's single mutex, per spec.md §5. A message kind this module
// declines to implement (none are declared unimplemented currently,
// but the fallback is kept for forward compatibility, per
// kasvtv-go-capnproto2/rpc/rpc.go's own `default: unimplemented`
// branch in handleMessage) is echoed back rather than treated as an
// error.
func (p *Peer) HandleMessage(msg *wire.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errShutdown
	}

	var err error
	switch msg.Which {
	case wire.WhichAbort:
		return newRemoteAbort(msg.Abort.Reason, msg.Abort.Type)
	case wire.WhichBootstrap:
		err = p.handleBootstrap(msg.Bootstrap)
	case wire.WhichCall:
		err = p.handleCall(msg.Call)
	case wire.WhichReturn:
		err = p.handleReturn(msg.Return)
	case wire.WhichFinish:
		err = p.handleFinish(msg.Finish)
	case wire.WhichRelease:
		p.releaseExport(exportID(msg.Release.ID), int(msg.Release.ReferenceCount))
	case wire.WhichResolve:
		err = p.handleResolve(msg.Resolve)
	case wire.WhichDisembargo:
		err = p.handleDisembargo(msg.Disembargo)
	case wire.WhichProvide:
		err = p.handleProvide(msg.Provide)
	case wire.WhichAccept:
		err = p.handleAccept(msg.Accept)
	case wire.WhichJoin:
		err = p.handleJoin(msg.Join)
	case wire.WhichThirdPartyAnswer:
		err = p.handleThirdPartyAnswer(msg.ThirdPartyAnswer)
	case wire.WhichUnimplemented:
		// The remote declined one of our messages; nothing further to
		// do with it here besides noting it for diagnostics.
		p.logErrorf("remote reported unimplemented: %v", msg.Unimplemented)
	default:
		p.sendMessage(newUnimplementedMessage(msg))
		return nil
	}

	if err != nil && isProtocolViolation(err) {
		return p.abortConnection(err)
	}
	if err != nil {
		p.logErrorf("%v", err)
	}
	return err
}

// HandleFrame is the byte-oriented entry point for inbound data, per
// SPEC_FULL.md §6.1/§1.1: it asks the configured Decoder for a typed
// view of frame and dispatches it through HandleMessage. A decode
// failure is propagated to the caller unexamined; a frame that
// decodes successfully but names a Which this peer doesn't recognize
// is still a valid message and falls to HandleMessage's own
// unimplemented-echo fallback.
func (p *Peer) HandleFrame(frame []byte) error {
	p.mu.Lock()
	dec := p.decoder
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errShutdown
	}
	if dec == nil {
		return errNoDecoder
	}
	msg, err := dec.Decode(frame)
	if err != nil {
		return err
	}
	return p.HandleMessage(msg)
}

// abortConnection sends an abort message carrying err as the reason,
// marks the connection closed, and returns err, the shared tail of
// both HandleMessage's protocol-violation branch and a forwarded
// call's own protocol violations (forward.go).
func (p *Peer) abortConnection(err error) error {
	p.sendMessage(newAbort(err))
	p.closed = true
	return err
}

// isProtocolViolation reports whether err represents a connection-
// fatal protocol violation (spec.md §7's "Protocol violation" kind,
// which "aborts the connection") as opposed to a local resolution
// error that is only ever surfaced as a return.exception.
func isProtocolViolation(err error) bool {
	switch err {
	case errQuestionReused, errAnswerIDReused, errUnknownQuestion,
		errDisembargoNonImport, errDisembargoMissingAnswer,
		errDuplicateProvideRecipient, errDuplicateJoinQuestion,
		errJoinTargetMismatch, errConflictingThirdPartyAnswer,
		errDuplicateThirdPartyAwait, errInvalidThirdPartyAnswerID,
		errThirdPartyMissingCompletion, errPromiseAlreadyResolved,
		errForwardedUnsupportedTakeOther, errForwardedMissingMapping,
		errForwardedProtocolViolation:
		return true
	default:
		return false
	}
}
