package rpc

import (
	"context"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"zombiezen.com/go/capnproto2"

	"github.com/lattice-rpc/capnppeer/rpc/internal/wire"
)

// fakeTransport records every outbound message and queues it for
// delivery to the peer on the other end, the same shape the
// cloudflare-vendored rpc_test.go's in-process pipe transport uses.
// Delivery is deferred rather than synchronous-reentrant: a real
// Transport's Send returns once bytes are handed to the network, and
// the matching inbound HandleMessage call happens later on whatever
// goroutine the host's read loop runs on, never back inside the
// sending call's own stack. pump drains the queue to simulate that.
type fakeTransport struct {
	peer   *Peer
	sent   []*wire.Message
	outbox []*wire.Message
}

func (t *fakeTransport) Send(msg *wire.Message) {
	t.sent = append(t.sent, msg)
	t.outbox = append(t.outbox, msg)
}

func (t *fakeTransport) Close() error { return nil }

// pump delivers every queued message to the peer, which may itself
// queue further messages on the other side; callers drive both sides'
// pump in turn until a round trip settles.
func (t *fakeTransport) pump() {
	for len(t.outbox) > 0 {
		msg := t.outbox[0]
		t.outbox = t.outbox[1:]
		if t.peer != nil {
			t.peer.HandleMessage(msg)
		}
	}
}

// pumpUntilQuiet alternates draining both transports' outboxes until
// a round produces no further queued traffic on either side.
func pumpUntilQuiet(a, b *fakeTransport) {
	for i := 0; i < 64; i++ {
		if len(a.outbox) == 0 && len(b.outbox) == 0 {
			return
		}
		a.pump()
		b.pump()
	}
}

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, call *MethodCall) error {
		_, err := call.AllocResults(capnp.ObjectSize{})
		return err
	})
}

func TestLoopbackCall(t *testing.T) {
	p := NewPeer(nil, Bootstrap(echoHandler()))

	var gotErr error
	gotReturn := false
	target := ResolvedCap{Which: ResolvedExported, ExportID: p.bootstrapExport.id}
	p.Call(context.Background(), target, 1, 1, wire.Payload{}, nil, func(ret *wire.Return, caps *InboundCapTable) {
		gotReturn = true
		if ret.Which == wire.ReturnException {
			e := ret.Exception
			gotErr = &e
		}
	})

	if !gotReturn {
		t.Fatal("loopback call never returned")
	}
	if gotErr != nil {
		t.Fatalf("unexpected exception: %v", gotErr)
	}
}

func TestBootstrapNotConfigured(t *testing.T) {
	a := &fakeTransport{}
	p := NewPeer(a)
	a.peer = p

	var exc *wire.Exception
	p.Bootstrap(context.Background(), func(ret *wire.Return, caps *InboundCapTable) {
		if ret.Which == wire.ReturnException {
			e := ret.Exception
			exc = &e
		}
	})
	a.pump()

	if exc == nil {
		t.Fatal("expected bootstrap to fail with no handler configured")
	}
}

func TestTwoPeerCallRoundTrip(t *testing.T) {
	server := &fakeTransport{}
	client := &fakeTransport{}

	serverPeer := NewPeer(server, Bootstrap(echoHandler()))
	clientPeer := NewPeer(client)
	server.peer = clientPeer
	client.peer = serverPeer

	var gotResult bool
	clientPeer.Bootstrap(context.Background(), func(ret *wire.Return, caps *InboundCapTable) {
		if ret.Which != wire.ReturnResults || len(ret.Results.CapTable) == 0 {
			t.Fatalf("expected bootstrap results with a capability, got %+v", ret)
		}
		desc := ret.Results.CapTable[0]
		rc := clientPeer.resolveCapDescriptor(desc)

		// callLocked, not Call: this callback already runs inside
		// HandleMessage's hold of clientPeer.mu (delivered via
		// client.pump() below), so taking the lock again would
		// deadlock against the non-reentrant sync.Mutex.
		clientPeer.callLocked(context.Background(), rc, 1, 1, wire.Payload{}, nil, func(ret2 *wire.Return, caps2 *InboundCapTable) {
			gotResult = ret2.Which == wire.ReturnResults
		})
	})

	// Bootstrap queued a bootstrap message on client; pumping delivers
	// it to serverPeer and, in turn, any reply server queues back.
	pumpUntilQuiet(client, server)

	if !gotResult {
		t.Fatal("expected call through the bootstrap capability to return results")
	}
}

func TestEmbargoDisembargoRoundTrip(t *testing.T) {
	p := NewPeer(nil)
	target := wire.MessageTarget{Which: wire.TargetPromisedAnswer, PromisedAnswer: wire.PromisedAnswer{QuestionID: 5}}
	p.answers[5] = &answerEntry{id: 5}

	var sentDisembargo *wire.Message
	p.transport = &captureTransport{onSend: func(m *wire.Message) { sentDisembargo = m }}

	if err := p.handleDisembargo(&wire.Disembargo{
		Target:    target,
		Context:   wire.DisembargoSenderLoopback,
		EmbargoID: 42,
	}); err != nil {
		t.Fatalf("handleDisembargo: %v", err)
	}

	if sentDisembargo == nil || sentDisembargo.Which != wire.WhichDisembargo {
		t.Fatal("expected a receiver-loopback disembargo to be sent back")
	}
	if sentDisembargo.Disembargo.Context != wire.DisembargoReceiverLoopback {
		t.Fatalf("expected receiver-loopback context, got %v", sentDisembargo.Disembargo.Context)
	}
	if sentDisembargo.Disembargo.EmbargoID != 42 {
		t.Fatalf("expected embargo id 42 echoed back, got %d", sentDisembargo.Disembargo.EmbargoID)
	}
}

func TestJoinMismatchReturnsException(t *testing.T) {
	p := NewPeer(nil)

	e1 := p.addExport(echoHandler())
	e2 := p.addExport(echoHandler())
	p.answers[100] = &answerEntry{id: 100}
	p.answers[101] = &answerEntry{id: 101}

	var sent []*wire.Message
	p.transport = &captureTransport{onSend: func(m *wire.Message) { sent = append(sent, m) }}

	target1 := wire.MessageTarget{Which: wire.TargetImportedCap, ImportedCap: uint32(e1.id)}
	target2 := wire.MessageTarget{Which: wire.TargetImportedCap, ImportedCap: uint32(e2.id)}

	if err := p.handleJoin(&wire.Join{QuestionID: 10, Target: target1, KeyPart: wire.JoinKeyPart{PartCount: 2, PartNum: 0, JoinKey: []byte("k")}}); err != nil {
		t.Fatalf("handleJoin part 0: %v", err)
	}
	if err := p.handleJoin(&wire.Join{QuestionID: 11, Target: target2, KeyPart: wire.JoinKeyPart{PartCount: 2, PartNum: 1, JoinKey: []byte("k")}}); err != nil {
		t.Fatalf("handleJoin part 1: %v", err)
	}

	if len(sent) != 2 {
		t.Fatalf("expected 2 exception returns for mismatched join, got %d", len(sent))
	}
	for _, m := range sent {
		if m.Which != wire.WhichReturn || m.Return.Which != wire.ReturnException {
			t.Fatalf("expected return.exception, got %+v", m)
		}
	}
}

func TestUnimplementedMessageEchoedBack(t *testing.T) {
	p := NewPeer(nil)

	var sent *wire.Message
	p.transport = &captureTransport{onSend: func(m *wire.Message) { sent = m }}

	unknown := &wire.Message{Which: wire.Which(999)}
	if err := p.HandleMessage(unknown); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	if sent == nil || sent.Which != wire.WhichUnimplemented {
		t.Fatalf("expected an unimplemented echo, got %+v", sent)
	}
	if sent.Unimplemented != unknown {
		t.Fatal("expected the unimplemented echo to carry the original message")
	}
}

// TestThirdPartyAnswerFirstOrdering exercises spec.md §8's
// answer-first ordering: a thirdPartyAnswer can arrive at a peer
// before that peer has issued the await for the matching completion
// token, and registerThirdPartyAnswer/awaitThirdPartyAnswer must still
// rendezvous correctly regardless of which side calls in first.
func TestThirdPartyAnswerFirstOrdering(t *testing.T) {
	p := NewPeer(nil)

	completion := []byte("completion-token")
	e := p.addExport(echoHandler())
	rc := ResolvedCap{Which: ResolvedExported, ExportID: e.id}

	// The answer arrives (is registered) before anyone awaits it.
	id := p.registerThirdPartyAnswer(completion, rc)

	resolved, ok := p.resolveThirdPartyAnswer(id)
	if !ok || resolved.Which != ResolvedExported || resolved.ExportID != e.id {
		t.Fatalf("expected the registered target to be resolvable by id, got %+v, %v", resolved, ok)
	}

	var gotID answerID
	var called bool
	p.awaitThirdPartyAnswer(1, completion, func(aid answerID) {
		called = true
		gotID = aid
	})

	if !called {
		t.Fatal("expected awaitThirdPartyAnswer to resolve immediately against the already-arrived answer")
	}
	if gotID != id {
		t.Fatalf("expected resolved id %d, got %d", id, gotID)
	}
}

// TestThirdPartyAnswerAwaitFirstOrdering exercises the opposite
// arrival order: the await is registered first, and the answer only
// shows up afterward.
func TestThirdPartyAnswerAwaitFirstOrdering(t *testing.T) {
	p := NewPeer(nil)

	completion := []byte("completion-token-2")
	var called bool
	var gotID answerID
	p.awaitThirdPartyAnswer(2, completion, func(aid answerID) {
		called = true
		gotID = aid
	})
	if called {
		t.Fatal("await should not resolve before any answer has been registered")
	}

	e := p.addExport(echoHandler())
	rc := ResolvedCap{Which: ResolvedExported, ExportID: e.id}
	id := p.registerThirdPartyAnswer(completion, rc)

	if !called {
		t.Fatal("expected registering the matching answer to resolve the pending await")
	}
	if gotID != id {
		t.Fatalf("expected resolved id %d, got %d", id, gotID)
	}
}

// TestForwardCallRelaysReturn exercises spec.md §4.6's tail-call
// forwarding mode: an inbound call whose target resolves to a
// capability this peer only imports (not hosts), and whose
// send_results_to is the default (caller), is reissued as a fresh
// outbound question with send_results_to=yourself, with an immediate
// take_from_other_question return eliding the round trip; the
// forwarded question's eventual results_sent_elsewhere then produces
// no further return frame, only the finish that retires it.
func TestForwardCallRelaysReturn(t *testing.T) {
	p := NewPeer(nil)
	p.addImport(7)
	rc := ResolvedCap{Which: ResolvedImported, ImportID: 7}

	var sent []*wire.Message
	p.transport = &captureTransport{onSend: func(m *wire.Message) { sent = append(sent, m) }}

	call := &wire.Call{QuestionID: 3, InterfaceID: 1, MethodID: 1}
	p.forwardCall(call, nil, rc)

	if len(sent) != 2 {
		t.Fatalf("expected forwardCall to issue the forwarded call and an immediate take_from_other_question return, got %+v", sent)
	}
	if sent[0].Which != wire.WhichCall {
		t.Fatalf("expected the first message to be the forwarded call, got %+v", sent[0])
	}
	if sent[0].Call.SendResultsTo.Which != wire.ResultsToYourself {
		t.Fatalf("expected the forwarded call to use send_results_to=yourself, got %+v", sent[0].Call.SendResultsTo)
	}
	fwdQuestionID := questionID(sent[0].Call.QuestionID)

	wantTakeFrom := &wire.Return{
		AnswerID:              call.QuestionID,
		Which:                 wire.ReturnTakeFromOtherQuestion,
		TakeFromOtherQuestion: uint32(fwdQuestionID),
	}
	if sent[1].Which != wire.WhichReturn {
		t.Fatalf("expected the second message to be a return, got %+v", sent[1])
	}
	if diff := pretty.Compare(sent[1].Return, wantTakeFrom); diff != "" {
		t.Fatalf("take_from_other_question return mismatch (-got +want):\n%s", diff)
	}

	fq, ok := p.forwarded[answerID(call.QuestionID)]
	if !ok || fq.question != fwdQuestionID || fq.mode != forwardModeTail {
		t.Fatalf("expected a tail-mode forwarded-question link for answer %d", call.QuestionID)
	}

	sent = nil
	ret := &wire.Return{AnswerID: uint32(fwdQuestionID), Which: wire.ReturnResultsSentElsewhere}
	p.completeForwardedReturn(answerID(call.QuestionID), fwdQuestionID, fq, ret, nil)

	if _, stillForwarded := p.forwarded[answerID(call.QuestionID)]; stillForwarded {
		t.Fatal("expected the forwarding link to be retired once the forwarded return completes")
	}

	var sawFinish bool
	for _, m := range sent {
		if m.Which == wire.WhichReturn {
			t.Fatalf("expected results_sent_elsewhere to produce no further return frame in tail mode, got %+v", m)
		}
		if m.Which == wire.WhichFinish && m.Finish.QuestionID == uint32(fwdQuestionID) {
			sawFinish = true
		}
	}
	if !sawFinish {
		t.Fatal("expected the forwarding question to be finished once its return was relayed")
	}
}

// captureTransport is a minimal Transport that only records what it is
// asked to send, used where a test needs to inspect exactly one
// outbound message without wiring up a second Peer.
type captureTransport struct {
	onSend func(*wire.Message)
}

func (c *captureTransport) Send(msg *wire.Message) {
	if c.onSend != nil {
		c.onSend(msg)
	}
}
func (c *captureTransport) Close() error { return nil }
