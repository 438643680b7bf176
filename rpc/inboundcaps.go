package rpc

import "github.com/lattice-rpc/capnppeer/rpc/internal/wire"

// InboundCapTable is the typed, indexed array of resolved capability
// entries produced by decoding a payload's capability descriptor
// list, per spec.md §2's "Inbound cap decoder" subsystem.
type InboundCapTable struct {
	entries []inboundCapEntry
}

type inboundCapEntry struct {
	cap      ResolvedCap
	retained bool
}

// decodeInboundCapTable builds an InboundCapTable from a payload's
// capability descriptor list, resolving each descriptor against this
// peer's tables. A zero-length cap table decodes to an empty
// InboundCapTable (spec.md §8 boundary behavior).
func (p *Peer) decodeInboundCapTable(descs []wire.CapDescriptor) *InboundCapTable {
	ict := &InboundCapTable{entries: make([]inboundCapEntry, len(descs))}
	for i, d := range descs {
		ict.entries[i] = inboundCapEntry{cap: p.resolveCapDescriptor(d)}
	}
	return ict
}

// Len reports the number of entries.
func (ict *InboundCapTable) Len() int {
	if ict == nil {
		return 0
	}
	return len(ict.entries)
}

// At returns the resolved capability at index i.
func (ict *InboundCapTable) At(i int) ResolvedCap {
	return ict.entries[i].cap
}

// Retain marks index i as retained: a callback's mechanism for
// promoting an inbound import to a long-lived local reference so that
// the automatic post-dispatch release pass (§4.9) skips it.
func (ict *InboundCapTable) Retain(i int) {
	if ict == nil || i < 0 || i >= len(ict.entries) {
		return
	}
	ict.entries[i].retained = true
}

// releaseUnretained implements the second half of spec.md §4.9: for
// every non-retained entry of kind imported, decrement the import's
// local ref count and emit one outbound release per affected import,
// aggregated so a param list referencing the same import twice only
// produces a single release message.
func (p *Peer) releaseUnretained(ict *InboundCapTable) map[importID]int {
	if ict == nil {
		return nil
	}
	counts := make(map[importID]int)
	for _, e := range ict.entries {
		if e.retained || e.cap.Which != ResolvedImported {
			continue
		}
		counts[e.cap.ImportID]++
	}
	for id, n := range counts {
		p.releaseImportRef(id, n)
		p.sendMessage(newRelease(id, n))
	}
	return counts
}
