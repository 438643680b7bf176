package rpc

import "github.com/lattice-rpc/capnppeer/rpc/internal/wire"

// importEntry is a capability the remote hosts that this peer holds a
// reference to, tracked by ref count the way kasvtv-go-capnproto2/
// rpc/rpc.go tracks `Conn.imports map[importID]*impent`.
type importEntry struct {
	id       importID
	refCount int

	// resolved is non-nil once an inbound `resolve` names this import
	// as the promise being resolved (spec.md §3's ResolvedImport).
	resolved *ResolvedImport
}

// ResolvedImport is a remote promise this peer has resolved locally,
// per spec.md §3.
type ResolvedImport struct {
	hasCap    bool
	cap       ResolvedCap
	err       error // set when the promise resolved to an exception
	embargoID embargoID
	embargoed bool
}

// addImport registers a reference to a remote-hosted capability,
// creating its table entry on first use.
func (p *Peer) addImport(id importID) *importEntry {
	e := p.imports[id]
	if e == nil {
		e = &importEntry{id: id}
		p.imports[id] = e
	}
	e.refCount++
	return e
}

// releaseImportRef decrements an import's ref count by n and tears
// down its table entry (and any ResolvedImport/PendingEmbargo
// bookkeeping) once it reaches zero, per spec.md §3's ResolvedImport
// lifecycle ("destroyed on release of the underlying import").
func (p *Peer) releaseImportRef(id importID, n int) {
	e := p.imports[id]
	if e == nil {
		return
	}
	e.refCount -= n
	if e.refCount > 0 {
		return
	}
	if e.resolved != nil && e.resolved.embargoed {
		delete(p.pendingEmbargoes, e.resolved.embargoID)
	}
	delete(p.imports, id)
}

// handleResolve implements the inbound `resolve` message, spec.md
// §4.7 steps 1–4.
func (p *Peer) handleResolve(msg *wire.Resolve) error {
	e := p.imports[importID(msg.PromiseID)]
	if e == nil {
		// Unknown promise: if it resolved to a capability, release it
		// immediately since nobody is holding a reference locally.
		if msg.Which == wire.ResolveCap {
			rc := p.resolveCapDescriptor(msg.Cap)
			p.releaseResolvedCapRef(rc)
		}
		return nil
	}
	if e.resolved != nil {
		// Protocol error: a promise may resolve exactly once
		// (spec.md §3 invariant 3).
		return errPromiseAlreadyResolved
	}

	switch msg.Which {
	case wire.ResolveException:
		e.resolved = &ResolvedImport{hasCap: false, err: &wire.Exception{
			Reason: msg.Exception.Reason,
			Type:   msg.Exception.Type,
		}}
		return nil
	case wire.ResolveCap:
		rc := p.resolveCapDescriptor(msg.Cap)
		ri := &ResolvedImport{hasCap: true, cap: rc}
		if rc.Which == ResolvedExported || rc.Which == ResolvedPromised {
			// The resolution bypasses this import (it now points
			// somewhere the original path wouldn't take): embargo it
			// until a disembargo clears, per spec.md §4.7 step 2.
			eid := embargoID(p.embargoIDs.alloc())
			ri.embargoed = true
			ri.embargoID = eid
			p.pendingEmbargoes[eid] = importID(msg.PromiseID)
			target := p.disembargoTargetFor(rc)
			p.sendMessage(newSenderLoopbackDisembargo(target, eid))
		}
		e.resolved = ri
		return nil
	default:
		return errPromiseAlreadyResolved
	}
}

// disembargoTargetFor builds the MessageTarget a sender-loopback
// disembargo should address, derived from the promised type per
// spec.md §4.7 step 2 ("target is derived from the promised type").
func (p *Peer) disembargoTargetFor(rc ResolvedCap) wire.MessageTarget {
	switch rc.Which {
	case ResolvedExported:
		return wire.MessageTarget{Which: wire.TargetImportedCap, ImportedCap: uint32(rc.ExportID)}
	case ResolvedPromised:
		return wire.MessageTarget{
			Which: wire.TargetPromisedAnswer,
			PromisedAnswer: wire.PromisedAnswer{
				QuestionID: uint32(rc.PromiseQuestionID),
				Transform:  rc.PromiseTransform,
			},
		}
	default:
		return wire.MessageTarget{}
	}
}

// releaseResolvedCapRef releases exactly one reference to a resolved
// capability that nobody locally holds onto, used by handleResolve's
// unknown-promise branch and by a handful of error paths elsewhere
// that must not leak a decoded capability.
func (p *Peer) releaseResolvedCapRef(rc ResolvedCap) {
	switch rc.Which {
	case ResolvedExported:
		p.releaseExport(rc.ExportID, 1)
	case ResolvedImported:
		p.releaseImportRef(rc.ImportID, 1)
	}
}

// isImportEmbargoed reports whether the named import is currently
// embargoed, per spec.md §3 invariant 4: an embargoed ResolvedImport
// must not be used as a call target via the short-circuit in outbound
// send_call.
func (p *Peer) isImportEmbargoed(id importID) bool {
	e := p.imports[id]
	return e != nil && e.resolved != nil && e.resolved.embargoed
}
