package rpc

// Export is a capability this peer hosts and has advertised to the
// remote. Grounded on the `export` type kasvtv-go-capnproto2/rpc/
// rpc.go keeps in `Conn.exports []*export`, extended with the
// promise-export bookkeeping spec.md §3/§4.7 require.
type Export struct {
	id      exportID
	handler Handler

	refCount int

	// isPromise marks this export as a promise export: it does not
	// yet resolve to handler; calls against it are queued instead
	// (see promise.go) until resolve_promise_export_to_* fires.
	isPromise bool
	resolved  bool

	// isBootstrap exempts this export from destruction when refCount
	// reaches zero (spec.md §3 invariant 2).
	isBootstrap bool

	// pending holds calls queued against this export while it is an
	// unresolved promise export. Replayed in insertion order by
	// resolvePromiseExport{ToExport,ToException}.
	pending []*pendingPromiseCall
}

// addExport allocates a fresh export id for handler and adds it to
// the exports table with refCount 0; the caller is responsible for
// incrementing refCount when the export id is actually encoded
// outbound (see captable.go's outbound descriptor path), per spec.md
// §3 invariant 2.
func (p *Peer) addExport(handler Handler) *Export {
	id := exportID(p.exportIDs.alloc())
	e := &Export{id: id, handler: handler}
	p.exports[id] = e
	return e
}

// addPromiseExport allocates a fresh promise export: calls against it
// queue until the promise resolves.
func (p *Peer) addPromiseExport() *Export {
	id := exportID(p.exportIDs.alloc())
	e := &Export{id: id, isPromise: true}
	p.exports[id] = e
	return e
}

// setBootstrap installs handler as the bootstrap export, exempting it
// from refcount-triggered destruction.
func (p *Peer) setBootstrap(handler Handler) *Export {
	e := p.addExport(handler)
	e.isBootstrap = true
	return e
}

// findExport looks up an export by id, returning nil if unknown.
func (p *Peer) findExport(id exportID) *Export {
	return p.exports[id]
}

// retainExport increments an export's ref count by n. Called once per
// capability descriptor of kind sender_hosted/sender_promise that is
// actually emitted outbound, and once per inbound indication that the
// remote added a reference.
func (p *Peer) retainExport(id exportID, n int) {
	if e := p.exports[id]; e != nil {
		e.refCount += n
	}
}

// releaseExport implements inbound `release(id, count)`: it
// decrements the named export's ref count by count and destroys the
// export once the count reaches zero, unless it is the bootstrap
// export (spec.md §3 invariant 2, §4.9). Any calls still queued
// against a destroyed promise export are failed with "promise
// broken".
func (p *Peer) releaseExport(id exportID, count int) {
	e := p.exports[id]
	if e == nil {
		return
	}
	e.refCount -= count
	if e.refCount > 0 || e.isBootstrap {
		return
	}
	delete(p.exports, id)
	p.exportIDs.release(uint32(id))
	for _, pc := range e.pending {
		p.failPendingPromiseCall(pc, errPromiseBroken)
	}
	e.pending = nil
}

// releaseAllExports tears down every export by dropping it from the
// exports table; handlers are not notified. Safe to call during
// Close/deinit.
func (p *Peer) releaseAllExports() {
	for id := range p.exports {
		delete(p.exports, id)
	}
}
