package rpc

import (
	"context"
	"log"
	"sync"

	"github.com/lattice-rpc/capnppeer/rpc/internal/wire"
)

// Peer is the per-connection state machine of a capability-passing
// RPC peer: the Questions, Answers, Imports, and Exports tables,
// promise pipelining, three-party capability handoff, embargoes, call
// forwarding, and join, all serialized behind a single mutex per
// spec.md §5. Grounded on kasvtv-go-capnproto2/rpc/rpc.go's Conn,
// generalized from its two-table (questions/exports) model to the
// full four-table protocol spec.md describes.
type Peer struct {
	mu sync.Mutex

	transport Transport
	decoder   Decoder
	logf      func(format string, args ...interface{})

	bootstrapFunc   func(context.Context) (Handler, error)
	bootstrapExport *Export

	questions map[questionID]*Question
	exports   map[exportID]*Export
	imports   map[importID]*importEntry
	answers   map[answerID]*answerEntry

	questionIDs         idgen
	exportIDs           idgen
	embargoIDs          idgen
	thirdPartyAnswerIDs idgen

	pendingEmbargoes map[embargoID]importID
	embargoedAccepts map[string][]*pendingEmbargoedAccept

	provides        map[string]*provideEntry
	joins           map[string]*joinState
	joinQuestionKey map[questionID]string

	thirdPartyAwaits  map[string]*thirdPartyAwait
	thirdPartyAnswers map[string]*thirdPartyAnswerEntry

	// adoptedThirdPartyAnswers records, for a reserved-range answer id
	// this peer has adopted into its questions table, which original
	// question it now aliases (spec.md §4.8 step 3's
	// "adopted_third_party_answers" table).
	adoptedThirdPartyAnswers map[answerID]questionID

	// pendingThirdPartyReturns buffers a return frame that named a
	// reserved-range answer id before that id had a questions-table
	// entry to match against (the answer-first race of spec.md §4.8 /
	// §8 scenario 4), replayed once adoption unifies the id with its
	// original Question.
	pendingThirdPartyReturns map[answerID]*bufferedThirdPartyReturn

	forwarded map[answerID]*forwardedQuestion

	closed bool
}

// NewPeer constructs a Peer that sends over t (t may be nil for a
// Peer used purely to host loopback/bootstrap logic in tests) and
// applies opts, per spec.md §6's external-interfaces surface.
func NewPeer(t Transport, opts ...PeerOption) *Peer {
	params := &peerParams{logf: log.Printf}
	for _, o := range opts {
		o.f(params)
	}

	p := &Peer{
		transport:                t,
		decoder:                  params.decoder,
		logf:                     params.logf,
		bootstrapFunc:            params.bootstrapFunc,
		questions:                make(map[questionID]*Question),
		exports:                  make(map[exportID]*Export),
		imports:                  make(map[importID]*importEntry),
		answers:                  make(map[answerID]*answerEntry),
		pendingEmbargoes:         make(map[embargoID]importID),
		embargoedAccepts:         make(map[string][]*pendingEmbargoedAccept),
		provides:                 make(map[string]*provideEntry),
		joins:                    make(map[string]*joinState),
		joinQuestionKey:          make(map[questionID]string),
		thirdPartyAwaits:         make(map[string]*thirdPartyAwait),
		thirdPartyAnswers:        make(map[string]*thirdPartyAnswerEntry),
		adoptedThirdPartyAnswers: make(map[answerID]questionID),
		pendingThirdPartyReturns: make(map[answerID]*bufferedThirdPartyReturn),
		forwarded:                make(map[answerID]*forwardedQuestion),
	}
	if params.bootstrapFunc != nil {
		if h, err := params.bootstrapFunc(context.Background()); err == nil && h != nil {
			p.bootstrapExport = p.setBootstrap(h)
		}
	}
	return p
}

// SetTransport attaches (or replaces) the transport this Peer sends
// outbound messages over.
func (p *Peer) SetTransport(t Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transport = t
}

// Close tears down the Peer: every outstanding question is failed with
// errShutdown and every export is dropped, per spec.md §4's shutdown
// note. The imports table is left as it is and no release messages
// are sent. Close is idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	shutdown := &wire.Return{Which: wire.ReturnException, Exception: exceptionOf(errShutdown)}
	for _, q := range p.questions {
		if q.onReturn != nil {
			q.onReturn(shutdown, nil)
		}
	}
	p.questions = make(map[questionID]*Question)
	p.releaseAllExports()

	if p.transport != nil {
		return p.transport.Close()
	}
	return nil
}

// logErrorf logs a non-fatal internal problem, swallowed rather than
// surfaced, the way kasvtv-go-capnproto2/rpc/rpc.go logs decode
// failures it cannot usefully propagate.
func (p *Peer) logErrorf(format string, args ...interface{}) {
	if p.logf != nil {
		p.logf("rpc: "+format, args...)
	}
}
