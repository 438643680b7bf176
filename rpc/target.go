package rpc

import "github.com/lattice-rpc/capnppeer/rpc/internal/wire"

// targetResolution is the result of resolving a wire.MessageTarget
// against this peer's tables: either a usable ResolvedCap, or an
// indication of what to queue behind (spec.md §4.3's routing decision
// tree, generalized so call.go, provide.go, and join handling share
// one resolution routine).
type targetResolution struct {
	cap ResolvedCap

	// queued is true when the target names something not yet
	// resolved. queueOnExport distinguishes the two ways a target can
	// be queued: behind an unresolved promise export (queueExportID)
	// or behind a not-yet-returned answer (queueAnswerID +
	// queueTransform).
	queued        bool
	queueOnExport bool
	queueExportID  exportID
	queueAnswerID  answerID
	queueTransform []wire.PipelineOp

	err error
}

// resolveMessageTarget implements spec.md §4.3 steps 1–3: resolve an
// imported_cap or promised_answer target down to a ResolvedCap,
// chasing a promised-answer's transform through a stored
// ResolvedAnswer and, if that in turn names an unresolved promise
// export, continuing to chase it.
func (p *Peer) resolveMessageTarget(mt wire.MessageTarget) targetResolution {
	switch mt.Which {
	case wire.TargetImportedCap:
		id := exportID(mt.ImportedCap)
		e := p.findExport(id)
		if e == nil {
			return targetResolution{err: errUnknownCapability}
		}
		if e.isPromise && !e.resolved {
			return targetResolution{queued: true, queueOnExport: true, queueExportID: id}
		}
		return targetResolution{cap: ResolvedCap{Which: ResolvedExported, ExportID: id}}
	case wire.TargetPromisedAnswer:
		aid := answerID(mt.PromisedAnswer.QuestionID)
		entry := p.answers[aid]
		if entry == nil || entry.resolved == nil {
			return targetResolution{
				queued:         true,
				queueAnswerID:  aid,
				queueTransform: mt.PromisedAnswer.Transform,
			}
		}
		rc, err := entry.resolved.capAt(mt.PromisedAnswer.Transform)
		if err != nil {
			return targetResolution{err: err}
		}
		if rc.Which == ResolvedExported {
			if e := p.findExport(rc.ExportID); e != nil && e.isPromise && !e.resolved {
				return targetResolution{queued: true, queueOnExport: true, queueExportID: rc.ExportID}
			}
		}
		return targetResolution{cap: rc}
	default:
		return targetResolution{err: errUnknownCapability}
	}
}
