// Package wire defines the decoded message-view contract the Peer
// consumes and produces. The segmented-pointer binary encoding that
// would normally fill these views in and read them back out is
// external to this module (see the Decoder seam in package rpc) — the
// views themselves are the only part of the wire contract this module
// owns.
package wire

import (
	"zombiezen.com/go/capnproto2"
)

// Which identifies the kind of a top-level RPC message.
type Which uint16

const (
	WhichUnimplemented Which = iota
	WhichAbort
	WhichBootstrap
	WhichCall
	WhichReturn
	WhichFinish
	WhichRelease
	WhichResolve
	WhichDisembargo
	WhichProvide
	WhichAccept
	WhichJoin
	WhichThirdPartyAnswer
)

func (w Which) String() string {
	switch w {
	case WhichUnimplemented:
		return "unimplemented"
	case WhichAbort:
		return "abort"
	case WhichBootstrap:
		return "bootstrap"
	case WhichCall:
		return "call"
	case WhichReturn:
		return "return"
	case WhichFinish:
		return "finish"
	case WhichRelease:
		return "release"
	case WhichResolve:
		return "resolve"
	case WhichDisembargo:
		return "disembargo"
	case WhichProvide:
		return "provide"
	case WhichAccept:
		return "accept"
	case WhichJoin:
		return "join"
	case WhichThirdPartyAnswer:
		return "thirdPartyAnswer"
	default:
		return "unknown"
	}
}

// Message is the decoded view of a single top-level RPC frame. Exactly
// one of the typed fields is meaningful, as indicated by Which.
type Message struct {
	Which Which

	// Root is the original root pointer of the frame, kept around so
	// that an "unimplemented" echo can reference it even when Which
	// is a kind this module does not otherwise model.
	Root capnp.Ptr

	Abort            *Exception
	Bootstrap        *Bootstrap
	Call             *Call
	Return           *Return
	Finish           *Finish
	Release          *Release
	Resolve          *Resolve
	Disembargo       *Disembargo
	Provide          *Provide
	Accept           *Accept
	Join             *Join
	ThirdPartyAnswer *ThirdPartyAnswer

	// Unimplemented, when Which == WhichUnimplemented, is the
	// original message this peer (or the remote peer, for inbound
	// echoes) declined to implement.
	Unimplemented *Message
}

// Clone returns a shallow copy of m: the top-level Message struct is
// new, but Root and the typed view pointers (Call, Return, ...) are
// shared with m, not deep-copied.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// Exception is the decoded view of a capnp RPC exception.
type Exception struct {
	Reason string
	Type   uint16
}

func (e *Exception) Error() string {
	if e == nil {
		return "unknown exception"
	}
	return e.Reason
}

// Bootstrap is a bootstrap message.
type Bootstrap struct {
	QuestionID uint32
}

// PipelineOp is re-exported so callers of this package never need to
// import capnp directly just to build a transform.
type PipelineOp = capnp.PipelineOp

// PromisedAnswer names a capability or a call target by a not-yet
// returned answer plus a transform locating a pointer within it.
type PromisedAnswer struct {
	QuestionID uint32
	Transform  []PipelineOp
}

// MessageTargetWhich discriminates MessageTarget.
type MessageTargetWhich uint8

const (
	TargetImportedCap MessageTargetWhich = iota
	TargetPromisedAnswer
)

// MessageTarget names the destination of a call or disembargo.
type MessageTarget struct {
	Which          MessageTargetWhich
	ImportedCap    uint32
	PromisedAnswer PromisedAnswer
}

// CapDescriptorWhich discriminates CapDescriptor.
type CapDescriptorWhich uint8

const (
	CapNone CapDescriptorWhich = iota
	CapSenderHosted
	CapSenderPromise
	CapReceiverHosted
	CapReceiverAnswer
	CapThirdPartyHosted
)

// CapDescriptor is one entry of a payload's capability table.
type CapDescriptor struct {
	Which            CapDescriptorWhich
	SenderHosted     uint32
	SenderPromise    uint32
	ReceiverHosted   uint32
	ReceiverAnswer   PromisedAnswer
	ThirdPartyID     uint32
	ThirdPartyVineID uint32
}

// Payload is a content pointer plus the capability table that gives
// meaning to any capability pointers reachable from it.
type Payload struct {
	Content  capnp.Ptr
	CapTable []CapDescriptor
}

// SendResultsToWhich discriminates SendResultsTo.
type SendResultsToWhich uint8

const (
	ResultsToCaller SendResultsToWhich = iota
	ResultsToYourself
	ResultsToThirdParty
)

// SendResultsTo is a call's result-routing directive.
type SendResultsTo struct {
	Which SendResultsToWhich
	// Recipient is the third party's opaque canonical-byte identity,
	// meaningful only when Which == ResultsToThirdParty (spec.md §6's
	// completion-key rule: the codec produces these canonical bytes
	// from the any-pointer payload, matching every other opaque token
	// this package models as []byte).
	Recipient []byte
}

// Call is a call message.
type Call struct {
	QuestionID    uint32
	Target        MessageTarget
	InterfaceID   uint64
	MethodID      uint16
	Params        Payload
	SendResultsTo SendResultsTo
}

// ReturnWhich discriminates the tag of a Return.
type ReturnWhich uint8

const (
	ReturnResults ReturnWhich = iota
	ReturnException
	ReturnCanceled
	ReturnResultsSentElsewhere
	ReturnTakeFromOtherQuestion
	ReturnAcceptFromThirdParty
)

// Return is a return message.
type Return struct {
	AnswerID         uint32
	ReleaseParamCaps bool
	NoFinishNeeded   bool

	Which ReturnWhich

	Results               Payload
	Exception             Exception
	TakeFromOtherQuestion uint32
	// AcceptFromThirdParty is the completion token's canonical bytes
	// (spec.md §6's completion-key rule: the codec, not this module,
	// is responsible for producing canonical bytes from the any-
	// pointer payload).
	AcceptFromThirdParty []byte
}

// Finish is a finish message.
type Finish struct {
	QuestionID               uint32
	ReleaseResultCaps        bool
	RequireEarlyCancellation bool
}

// Release is a release message.
type Release struct {
	ID             uint32
	ReferenceCount uint32
}

// ResolveWhich discriminates Resolve.
type ResolveWhich uint8

const (
	ResolveCap ResolveWhich = iota
	ResolveException
)

// Resolve is a resolve message.
type Resolve struct {
	PromiseID uint32
	Which     ResolveWhich
	Cap       CapDescriptor
	Exception Exception
}

// DisembargoContextWhich discriminates Disembargo.Context.
type DisembargoContextWhich uint8

const (
	DisembargoSenderLoopback DisembargoContextWhich = iota
	DisembargoReceiverLoopback
	DisembargoAccept
)

// Disembargo is a disembargo message.
type Disembargo struct {
	Target  MessageTarget
	Context DisembargoContextWhich
	// EmbargoID is meaningful for the two loopback contexts.
	EmbargoID uint32
	// EmbargoKey is meaningful for the accept context: an opaque
	// token shared with the Accept that requested the embargo (see
	// PendingEmbargoedAccept in the data model).
	EmbargoKey []byte
}

// Provide is a provide message: this peer offers Target to a third
// party identified by Recipient.
type Provide struct {
	QuestionID uint32
	Target     MessageTarget
	// Recipient is an opaque fingerprint identifying who is entitled
	// to accept this provide.
	Recipient []byte
}

// Accept is an accept message: the sender claims a capability offered
// via a prior provide, identified by the opaque Provision token.
type Accept struct {
	QuestionID       uint32
	Provision        []byte
	EmbargoRequested bool
	// EmbargoKey is meaningful when EmbargoRequested is true.
	EmbargoKey []byte
}

// JoinKeyPart is one part of a multi-part join key.
type JoinKeyPart struct {
	PartCount uint16
	PartNum   uint16
	JoinKey   []byte
}

// Join is a join message.
type Join struct {
	QuestionID uint32
	Target     MessageTarget
	KeyPart    JoinKeyPart
}

// ThirdPartyAnswer is the third message of a three-party handoff: the
// peer that received a `provide` tells the recipient which answer id
// to accept from it, keyed by the opaque Completion token.
type ThirdPartyAnswer struct {
	AnswerID   uint32
	Completion []byte
}
