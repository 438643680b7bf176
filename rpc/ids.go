package rpc

// Package rpc implements the per-connection state machine of a
// capability-passing RPC peer: the Questions, Answers, Imports, and
// Exports tables, promise pipelining, three-party capability handoff,
// embargoes, call forwarding, and join.
//
// Grounded on kasvtv-go-capnproto2/rpc/rpc.go (the teacher): this
// package keeps the teacher's table-of-ids-with-a-free-list shape
// (questionID/exportID/embargoID + idgen) and its single entry point
// for inbound data, generalized to the full four-table protocol
// spec.md describes.

// questionID is an index into the questions table (an id this peer
// assigned to a call it made).
type questionID uint32

// answerID is an index into the answers table (an id the remote
// assigned to a call it made of us). On the wire, questionID and
// answerID are the same numeric space viewed from opposite ends of a
// call.
type answerID uint32

// exportID is an index into the exports table (a capability this peer
// hosts and has advertised to the remote).
type exportID uint32

// importID is the remote's exportID as seen from this peer (a
// capability the remote hosts that this peer has a handle to). Import
// and export ids share the same numeric space from opposite ends.
type importID uint32

// embargoID identifies one pending disembargo round trip.
type embargoID uint32

// thirdPartyIDBit is the single bit that distinguishes an adopted
// third-party answer id from a normal one, per spec.md §6 and §9: ids
// in 0x4000_0000..0x7FFF_FFFF have bit 30 set and bit 31
// (reservedRangeTestBit) clear.
const (
	thirdPartyIDBit      uint32 = 1 << 30
	reservedRangeTestBit uint32 = 1 << 31
)

// isThirdPartyAnswerID reports whether id falls in the reserved range
// used for adopted third-party answers.
func isThirdPartyAnswerID(id uint32) bool {
	return id&thirdPartyIDBit != 0 && id&reservedRangeTestBit == 0
}

// idgen allocates small non-negative integer ids, reusing released
// ones before minting new ones, so long-lived connections don't grow
// their id space without bound. Grounded on the `idgen` field type
// named (but not given to us) in kasvtv-go-capnproto2/rpc/rpc.go's
// Conn struct (questionID/exportID/embargoID idgen).
type idgen struct {
	next uint32
	free []uint32
}

// alloc returns a fresh id, preferring a released one.
func (g *idgen) alloc() uint32 {
	if n := len(g.free); n > 0 {
		id := g.free[n-1]
		g.free = g.free[:n-1]
		return id
	}
	id := g.next
	g.next++
	return id
}

// release returns id to the free list for future reuse.
func (g *idgen) release(id uint32) {
	g.free = append(g.free, id)
}
