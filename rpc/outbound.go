package rpc

import (
	"zombiezen.com/go/capnproto2"

	"github.com/lattice-rpc/capnppeer/rpc/internal/rpcerr"
	"github.com/lattice-rpc/capnppeer/rpc/internal/wire"
)

// sendMessage hands msg to the attached Transport, per spec.md §6's
// "Outbound control" component. A Peer with no Transport attached
// (e.g. one built only to answer loopback calls in a test) silently
// drops outbound traffic rather than failing the caller that
// triggered it; errNoTransport is not returned on this path.
func (p *Peer) sendMessage(msg *wire.Message) {
	if p.transport == nil {
		return
	}
	p.transport.Send(msg)
}

// exceptionOf builds a wire.Exception from a Go error, classifying it
// via rpcerr the way bobg-go-capnproto2/rpc/answer.go pairs
// `errors.TypeOf(e)` with `rppcp.Exception_Type(...)`.
func exceptionOf(err error) wire.Exception {
	return wire.Exception{Reason: err.Error(), Type: uint16(rpcerr.TypeOf(err))}
}

// newExceptionReturn builds a return.exception message answering aid.
func newExceptionReturn(aid answerID, err error) *wire.Message {
	return &wire.Message{
		Which: wire.WhichReturn,
		Return: &wire.Return{
			AnswerID: uint32(aid),
			Which:    wire.ReturnException,
			Exception: exceptionOf(err),
		},
	}
}

// newResultsReturn builds a return.results message answering aid with
// payload.
func newResultsReturn(aid answerID, payload wire.Payload) *wire.Message {
	return &wire.Message{
		Which: wire.WhichReturn,
		Return: &wire.Return{
			AnswerID: uint32(aid),
			Which:    wire.ReturnResults,
			Results:  payload,
		},
	}
}

// newCanceledReturn builds a return.canceled message answering aid.
func newCanceledReturn(aid answerID) *wire.Message {
	return &wire.Message{
		Which: wire.WhichReturn,
		Return: &wire.Return{
			AnswerID: uint32(aid),
			Which:    wire.ReturnCanceled,
		},
	}
}

// newResultsSentElsewhereReturn builds a return.resultsSentElsewhere
// message answering aid, per spec.md §4.6's "yourself" forwarding
// mode: the forwarded call's own results/results_sent_elsewhere/
// accept_from_third_party all translate to this upstream.
func newResultsSentElsewhereReturn(aid answerID) *wire.Message {
	return &wire.Message{
		Which: wire.WhichReturn,
		Return: &wire.Return{
			AnswerID: uint32(aid),
			Which:    wire.ReturnResultsSentElsewhere,
		},
	}
}

// newTakeFromOtherQuestionReturn builds a return.takeFromOtherQuestion
// message answering aid with otherQID, per spec.md §4.6's tail-call
// forwarding mode: issued immediately once the forwarded question is
// on its way, before that question's own return has arrived.
func newTakeFromOtherQuestionReturn(aid answerID, otherQID questionID) *wire.Message {
	return &wire.Message{
		Which: wire.WhichReturn,
		Return: &wire.Return{
			AnswerID:              uint32(aid),
			Which:                 wire.ReturnTakeFromOtherQuestion,
			TakeFromOtherQuestion: uint32(otherQID),
		},
	}
}

// newAcceptFromThirdPartyReturn builds a return.acceptFromThirdParty
// message answering aid carrying completion, per spec.md §4.6's
// "third_party" forwarding mode: the forwarded call's own
// results/results_sent_elsewhere translate to this upstream, handing
// the original caller the same completion token the forwarded call
// captured.
func newAcceptFromThirdPartyReturn(aid answerID, completion []byte) *wire.Message {
	return &wire.Message{
		Which: wire.WhichReturn,
		Return: &wire.Return{
			AnswerID:             uint32(aid),
			Which:                wire.ReturnAcceptFromThirdParty,
			AcceptFromThirdParty: completion,
		},
	}
}

// newResolveCap builds a resolve.cap message resolving promiseID to
// cap.
func newResolveCap(promiseID uint32, cap wire.CapDescriptor) *wire.Message {
	return &wire.Message{
		Which: wire.WhichResolve,
		Resolve: &wire.Resolve{
			PromiseID: promiseID,
			Which:     wire.ResolveCap,
			Cap:       cap,
		},
	}
}

// newResolveException builds a resolve.exception message resolving
// promiseID to a permanent failure.
func newResolveException(promiseID uint32, err error) *wire.Message {
	return &wire.Message{
		Which: wire.WhichResolve,
		Resolve: &wire.Resolve{
			PromiseID: promiseID,
			Which:     wire.ResolveException,
			Exception: exceptionOf(err),
		},
	}
}

// newUnimplementedMessage echoes orig back as an unimplemented
// message, per spec.md §4.1's fallback for an unhandled Which.
func newUnimplementedMessage(orig *wire.Message) *wire.Message {
	return &wire.Message{Which: wire.WhichUnimplemented, Unimplemented: orig}
}

// newAbort builds an abort message carrying err as the reason.
func newAbort(err error) *wire.Message {
	e := exceptionOf(err)
	return &wire.Message{Which: wire.WhichAbort, Abort: &e}
}

// newSenderLoopbackDisembargo builds the disembargo this peer sends
// when a resolved import's capability bypasses the original path
// (spec.md §4.7 step 2).
func newSenderLoopbackDisembargo(target wire.MessageTarget, eid embargoID) *wire.Message {
	return &wire.Message{
		Which: wire.WhichDisembargo,
		Disembargo: &wire.Disembargo{
			Target:    target,
			Context:   wire.DisembargoSenderLoopback,
			EmbargoID: uint32(eid),
		},
	}
}

// newReceiverLoopbackDisembargo echoes a sender-loopback disembargo
// back to the remote, per handleDisembargo's synchronous-processing
// note.
func newReceiverLoopbackDisembargo(target wire.MessageTarget, eid uint32) *wire.Message {
	return &wire.Message{
		Which: wire.WhichDisembargo,
		Disembargo: &wire.Disembargo{
			Target:    target,
			Context:   wire.DisembargoReceiverLoopback,
			EmbargoID: eid,
		},
	}
}

// newAcceptDisembargo builds the disembargo.accept message a caller
// sends alongside an embargoed accept, keyed by key.
func newAcceptDisembargo(key []byte) *wire.Message {
	return &wire.Message{
		Which: wire.WhichDisembargo,
		Disembargo: &wire.Disembargo{
			Context:    wire.DisembargoAccept,
			EmbargoKey: key,
		},
	}
}

// newFinish builds a finish message for a question this peer made.
func newFinish(id questionID, releaseResultCaps bool) *wire.Message {
	return &wire.Message{
		Which:  wire.WhichFinish,
		Finish: &wire.Finish{QuestionID: uint32(id), ReleaseResultCaps: releaseResultCaps},
	}
}

// newRelease builds a release message for an import this peer no
// longer needs.
func newRelease(id importID, count int) *wire.Message {
	return &wire.Message{
		Which:   wire.WhichRelease,
		Release: &wire.Release{ID: uint32(id), ReferenceCount: uint32(count)},
	}
}

// newBootstrapCall builds an outbound bootstrap message asking for
// the remote's bootstrap interface under question id qid.
func newBootstrapCall(qid questionID) *wire.Message {
	return &wire.Message{Which: wire.WhichBootstrap, Bootstrap: &wire.Bootstrap{QuestionID: uint32(qid)}}
}

// newCallMessage builds an outbound call message.
func newCallMessage(qid questionID, target wire.MessageTarget, ifaceID uint64, methodID uint16, params wire.Payload, resultsTo wire.SendResultsTo) *wire.Message {
	return &wire.Message{
		Which: wire.WhichCall,
		Call: &wire.Call{
			QuestionID:    uint32(qid),
			Target:        target,
			InterfaceID:   ifaceID,
			MethodID:      methodID,
			Params:        params,
			SendResultsTo: resultsTo,
		},
	}
}

// newProvideMessage builds an outbound provide message.
func newProvideMessage(qid questionID, target wire.MessageTarget, recipient []byte) *wire.Message {
	return &wire.Message{
		Which:    wire.WhichProvide,
		Provide:  &wire.Provide{QuestionID: uint32(qid), Target: target, Recipient: recipient},
	}
}

// newAcceptMessage builds an outbound accept message.
func newAcceptMessage(qid questionID, provision []byte, embargo bool, embargoKey []byte) *wire.Message {
	return &wire.Message{
		Which:  wire.WhichAccept,
		Accept: &wire.Accept{QuestionID: uint32(qid), Provision: provision, EmbargoRequested: embargo, EmbargoKey: embargoKey},
	}
}

// newJoinMessage builds an outbound join message.
func newJoinMessage(qid questionID, target wire.MessageTarget, part wire.JoinKeyPart) *wire.Message {
	return &wire.Message{
		Which: wire.WhichJoin,
		Join:  &wire.Join{QuestionID: uint32(qid), Target: target, KeyPart: part},
	}
}

// newThirdPartyAnswerMessage builds an outbound thirdPartyAnswer
// message.
func newThirdPartyAnswerMessage(aid answerID, completion []byte) *wire.Message {
	return &wire.Message{
		Which:            wire.WhichThirdPartyAnswer,
		ThirdPartyAnswer: &wire.ThirdPartyAnswer{AnswerID: uint32(aid), Completion: completion},
	}
}

// payloadOf wraps a raw content pointer with no capability table, the
// common shape for a results payload that carries no capabilities.
func payloadOf(content capnp.Ptr) wire.Payload {
	return wire.Payload{Content: content}
}
