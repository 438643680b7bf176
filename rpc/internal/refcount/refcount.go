// Package refcount wraps a capnp.Client in a manually counted
// reference so that a single long-lived client (such as a configured
// bootstrap interface) can be handed out to many independent owners,
// each of which calls Close exactly once.
//
// This mirrors the role `zombiezen.com/go/capnproto2/rpc/internal/
// refcount` plays in the teacher's NewConn/MainInterface: the
// connection closes its own reference on shutdown, while each
// bootstrap answer holds another that it releases independently.
package refcount

import "sync"

// RefCount tracks outstanding references to an underlying client.
type RefCount struct {
	mu       sync.Mutex
	client   Client
	count    int
	released bool
}

// Client is the subset of capnp.Client that refcount depends on, kept
// narrow so this package has no import-time dependency on the capnp
// core beyond what it actually calls.
type Client interface {
	Close() error
}

// New wraps client in a RefCount and returns it along with the first
// reference. The caller owns client until it closes the returned ref.
func New(client Client) (*RefCount, *Ref) {
	rc := &RefCount{client: client, count: 1}
	return rc, &Ref{rc: rc}
}

// Ref returns a new independent reference to the same underlying
// client. Each Ref must be closed exactly once.
func (rc *RefCount) Ref() *Ref {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.count++
	return &Ref{rc: rc}
}

func (rc *RefCount) release() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.released {
		return nil
	}
	rc.count--
	if rc.count > 0 {
		return nil
	}
	rc.released = true
	return rc.client.Close()
}

// Ref is one outstanding reference to a RefCount's underlying client.
type Ref struct {
	rc     *RefCount
	closed bool
}

// Close releases this reference. The underlying client is closed once
// every Ref handed out by New/Ref has been closed.
func (r *Ref) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.rc.release()
}
