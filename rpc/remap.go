package rpc

import "github.com/lattice-rpc/capnppeer/rpc/internal/wire"

// capIndexMapper resolves a capability-table index from an inbound
// payload to the CapDescriptor it should become in the rewritten
// outbound payload. An index with no mapping becomes wire.CapNone
// (spec.md §2's "unresolved index entries become null pointers").
type capIndexMapper func(index int) (wire.CapDescriptor, bool)

// remapPayload clones an inbound payload into a new outbound Payload,
// rewriting its capability table according to mapper. The content
// pointer is carried over unchanged: walking the actual pointer tree
// (structs, pointer lists, inline-composite lists) to relocate it into
// a freshly built outbound message is the segmented-pointer codec's
// job, which spec.md §1 places out of scope; this module owns only
// the capability-table rewrite the RPC core is responsible for, per
// spec.md §2's description of the Payload remapper.
func remapPayload(in wire.Payload, mapper capIndexMapper) wire.Payload {
	out := wire.Payload{Content: in.Content}
	if len(in.CapTable) == 0 {
		return out
	}
	out.CapTable = make([]wire.CapDescriptor, len(in.CapTable))
	for i := range in.CapTable {
		if d, ok := mapper(i); ok {
			out.CapTable[i] = d
		} else {
			out.CapTable[i] = wire.CapDescriptor{Which: wire.CapNone}
		}
	}
	return out
}

// identityMapper remaps every index to none; forwardCall uses it as
// the mapper when the forwarded params carry no capabilities.
func identityMapper(int) (wire.CapDescriptor, bool) { return wire.CapDescriptor{}, false }

// encodeResolvedCap builds the outbound CapDescriptor for a resolved
// capability, used when a payload containing it is forwarded on.
func (p *Peer) encodeResolvedCap(rc ResolvedCap) wire.CapDescriptor {
	switch rc.Which {
	case ResolvedExported:
		if e := p.findExport(rc.ExportID); e != nil {
			return p.descriptorForExport(e)
		}
		return wire.CapDescriptor{Which: wire.CapNone}
	case ResolvedImported:
		return descriptorForImport(rc.ImportID)
	case ResolvedPromised:
		return descriptorForPipeline(answerID(rc.PromiseQuestionID), rc.PromiseTransform)
	default:
		return wire.CapDescriptor{Which: wire.CapNone}
	}
}
