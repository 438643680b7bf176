package rpc

import "github.com/lattice-rpc/capnppeer/rpc/internal/wire"

// Decoder turns a raw frame from the wire into a decoded
// wire.Message and back, per spec.md §1/§6: the segmented-pointer
// binary encoding itself is out of this module's scope — a Decoder is
// the seam a real codec plugs in at.
type Decoder interface {
	Decode(frame []byte) (*wire.Message, error)
	Encode(msg *wire.Message) ([]byte, error)
}

// Transport is the bidirectional channel of decoded messages a Peer
// drives, grounded on kasvtv-go-capnproto2/rpc/rpc.go's Transport
// interface (`SendMessage`/`RecvMessage`/`Close`), generalized to
// exchange already-decoded wire.Message values rather than generated
// schema types, per this module's Decoder seam.
type Transport interface {
	Send(msg *wire.Message)
	Close() error
}
