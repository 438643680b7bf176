package rpc

import (
	"github.com/lattice-rpc/capnppeer/rpc/internal/wire"
)

// ResolvedCapWhich discriminates ResolvedCap.
type ResolvedCapWhich uint8

const (
	ResolvedNone ResolvedCapWhich = iota
	ResolvedExported
	ResolvedImported
	ResolvedPromised
)

// ResolvedCap is a capability descriptor that has been looked up
// against this peer's tables, per spec.md §2's CapTable subsystem:
// "none | imported{id} | exported{id} | promised{question_id,
// transform}".
type ResolvedCap struct {
	Which ResolvedCapWhich

	ExportID exportID // ResolvedExported

	ImportID importID // ResolvedImported

	PromiseQuestionID questionID // ResolvedPromised
	PromiseTransform  []wire.PipelineOp
}

// resolveCapDescriptor turns one inbound CapDescriptor into a
// ResolvedCap, allocating/looking up imports and exports as needed.
// This is the per-entry step of building an InboundCapTable
// (inboundcaps.go) and is also used directly by handleResolve
// (import.go).
func (p *Peer) resolveCapDescriptor(d wire.CapDescriptor) ResolvedCap {
	switch d.Which {
	case wire.CapNone:
		return ResolvedCap{Which: ResolvedNone}
	case wire.CapSenderHosted:
		p.addImport(importID(d.SenderHosted))
		return ResolvedCap{Which: ResolvedImported, ImportID: importID(d.SenderHosted)}
	case wire.CapSenderPromise:
		p.addImport(importID(d.SenderPromise))
		return ResolvedCap{Which: ResolvedImported, ImportID: importID(d.SenderPromise)}
	case wire.CapReceiverHosted:
		return ResolvedCap{Which: ResolvedExported, ExportID: exportID(d.ReceiverHosted)}
	case wire.CapReceiverAnswer:
		return ResolvedCap{
			Which:             ResolvedPromised,
			PromiseQuestionID: questionID(d.ReceiverAnswer.QuestionID),
			PromiseTransform:  d.ReceiverAnswer.Transform,
		}
	case wire.CapThirdPartyHosted:
		// Not locally resolvable without a third-party vine; treat as
		// an import on the vine id, same as sender_hosted, since this
		// peer still owes a release for it.
		p.addImport(importID(d.ThirdPartyVineID))
		return ResolvedCap{Which: ResolvedImported, ImportID: importID(d.ThirdPartyVineID)}
	default:
		return ResolvedCap{Which: ResolvedNone}
	}
}

// descriptorForExport builds the outbound CapDescriptor for a locally
// hosted capability and retains it, per spec.md §4.9: "sender_hosted
// and sender_promise increment the export's ref_count."
func (p *Peer) descriptorForExport(e *Export) wire.CapDescriptor {
	p.retainExport(e.id, 1)
	if e.isPromise && !e.resolved {
		return wire.CapDescriptor{Which: wire.CapSenderPromise, SenderPromise: uint32(e.id)}
	}
	return wire.CapDescriptor{Which: wire.CapSenderHosted, SenderHosted: uint32(e.id)}
}

// descriptorForImport builds the outbound CapDescriptor that hands
// back a capability this peer imported from the remote (receiver's
// perspective: receiver_hosted).
func descriptorForImport(id importID) wire.CapDescriptor {
	return wire.CapDescriptor{Which: wire.CapReceiverHosted, ReceiverHosted: uint32(id)}
}

// descriptorForPipeline builds the outbound CapDescriptor for a
// capability reached via a not-yet-returned answer of ours
// (receiver_answer), used when encoding an outbound payload that
// references one of our own pending answers.
func descriptorForPipeline(id answerID, transform []wire.PipelineOp) wire.CapDescriptor {
	return wire.CapDescriptor{
		Which: wire.CapReceiverAnswer,
		ReceiverAnswer: wire.PromisedAnswer{
			QuestionID: uint32(id),
			Transform:  transform,
		},
	}
}
