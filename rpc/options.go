package rpc

import "context"

// peerParams accumulates the construction-time options NewPeer
// applies, grounded on kasvtv-go-capnproto2/rpc/rpc.go's connParams.
type peerParams struct {
	bootstrapFunc func(context.Context) (Handler, error)
	decoder       Decoder
	logf          func(format string, args ...interface{})
}

// PeerOption is an option for constructing a Peer.
type PeerOption struct {
	f func(*peerParams)
}

// Bootstrap installs handler as the capability returned to the
// remote's `bootstrap` messages, per spec.md §4.2. By default a Peer
// has no bootstrap export and answers every bootstrap with an
// exception, mirroring the teacher's "MainInterface... By default,
// all bootstrap messages will fail."
func Bootstrap(handler Handler) PeerOption {
	return PeerOption{func(p *peerParams) {
		p.bootstrapFunc = func(context.Context) (Handler, error) { return handler, nil }
	}}
}

// BootstrapFunc installs f to produce the bootstrap handler. NewPeer
// calls f once, at construction; if f returns an error or a nil
// Handler, the Peer has no bootstrap export.
func BootstrapFunc(f func(context.Context) (Handler, error)) PeerOption {
	return PeerOption{func(p *peerParams) { p.bootstrapFunc = f }}
}

// Decode installs d as the frame codec HandleFrame uses to turn raw
// bytes into a wire.Message, per SPEC_FULL.md §6.1's Options.Decoder.
// A Peer driven only through HandleMessage (e.g. an in-process pair
// exchanging already-decoded messages, as this module's tests do)
// never needs one.
func Decode(d Decoder) PeerOption {
	return PeerOption{func(p *peerParams) { p.decoder = d }}
}

// LogFunc overrides where this Peer sends its non-fatal internal
// diagnostics (SPEC_FULL.md §2.1's logging seam); by default it uses the
// standard library's log package, prefixed "rpc: ", the way
// kasvtv-go-capnproto2/rpc/rpc.go logs internal problems it swallows.
func LogFunc(f func(format string, args ...interface{})) PeerOption {
	return PeerOption{func(p *peerParams) { p.logf = f }}
}
