package rpc

import (
	"fmt"

	"github.com/lattice-rpc/capnppeer/rpc/internal/rpcerr"
)

// Error taxonomy per spec.md §7. Kinds, not type names: the
// sentinels below are grouped by which of the four buckets they fall
// in (transport-missing, protocol violation, local resolution error,
// remote abort / decode failure), matching kasvtv-go-capnproto2/
// rpc/rpc.go's style of a flat list of package-level error values
// (errBadTarget, errQuestionReused, errNoMainInterface, ...).

// Transport-missing.
var errNoTransport = rpcerr.New(rpcerr.Disconnected, "rpc: no send path attached to peer")

// Protocol violations: these abort the connection (see dispatch.go's
// abortConnection).
var (
	errQuestionReused               = rpcerr.New(rpcerr.Failed, "rpc: question id reused")
	errAnswerIDReused               = rpcerr.New(rpcerr.Failed, "rpc: answer id reused")
	errUnknownQuestion               = rpcerr.New(rpcerr.Failed, "rpc: received return for unknown question")
	errDisembargoNonImport           = rpcerr.New(rpcerr.Failed, "rpc: disembargo sender-loopback on non-promised-answer target")
	errDisembargoMissingAnswer       = rpcerr.New(rpcerr.Failed, "rpc: disembargo references unknown answer")
	errDuplicateProvideRecipient     = rpcerr.New(rpcerr.Failed, "rpc: duplicate provide recipient")
	errDuplicateJoinQuestion         = rpcerr.New(rpcerr.Failed, "rpc: duplicate join question id")
	errJoinTargetMismatch            = rpcerr.New(rpcerr.Failed, "join target mismatch")
	errConflictingThirdPartyAnswer   = rpcerr.New(rpcerr.Failed, "rpc: conflicting third-party answer id")
	errDuplicateThirdPartyAwait      = rpcerr.New(rpcerr.Failed, "rpc: duplicate await for completion key")
	errInvalidThirdPartyAnswerID     = rpcerr.New(rpcerr.Failed, "rpc: answer id not in third-party range")
	errThirdPartyMissingCompletion   = rpcerr.New(rpcerr.Failed, "thirdPartyAnswer missing completion")
	errPromiseAlreadyResolved        = rpcerr.New(rpcerr.Failed, "rpc: promise already resolved")
	errForwardedUnsupportedTakeOther = rpcerr.New(rpcerr.Failed, "forwarded takeFromOtherQuestion unsupported")
	errForwardedMissingMapping       = rpcerr.New(rpcerr.Failed, "forwarded takeFromOtherQuestion missing mapping")
	errForwardedProtocolViolation    = rpcerr.New(rpcerr.Failed, "rpc: unexpected return tag on forwarded tail call")
)

// Local resolution errors: surfaced as return.exception, never fatal.
var (
	errUnknownCapability    = rpcerr.New(rpcerr.Failed, "unknown capability")
	errPromiseBroken        = rpcerr.New(rpcerr.Failed, "promise broken")
	errPromisedAnswerMissing = rpcerr.New(rpcerr.Failed, "promised answer missing")
	errBootstrapNotConfigured = rpcerr.New(rpcerr.Failed, "bootstrap not configured")
	errLoopback             = rpcerr.New(rpcerr.Failed, "loopback")
	errCallCanceled         = rpcerr.New(rpcerr.Failed, "call canceled by finish")
)

// errShutdown is the exception Close delivers to every outstanding
// question's callback, and the error HandleMessage and HandleFrame
// return once the Peer is closed.
var errShutdown = rpcerr.New(rpcerr.Disconnected, "rpc: connection closed locally")

// errNoDecoder is returned by HandleFrame when no Decoder option was
// supplied to NewPeer.
var errNoDecoder = rpcerr.New(rpcerr.Failed, "rpc: no frame decoder configured")

// remoteAbortError wraps the reason a remote peer gave in its abort
// message so local callers can distinguish it from a locally
// generated error, per spec.md §7's "Remote abort" kind.
type remoteAbortError struct {
	reason *rpcErrException
}

type rpcErrException struct {
	Reason string
	Type   uint16
}

func (e *remoteAbortError) Error() string {
	if e.reason == nil {
		return "rpc: remote abort"
	}
	return fmt.Sprintf("rpc: remote abort: %s", e.reason.Reason)
}

func (e *remoteAbortError) RPCType() rpcerr.Type { return rpcerr.Disconnected }

// newRemoteAbort builds the distinguished "remote abort" error.
func newRemoteAbort(reason string, typ uint16) error {
	return &remoteAbortError{reason: &rpcErrException{Reason: reason, Type: typ}}
}

// questionError decorates an error with the question id it occurred
// on, grounded on kasvtv-go-capnproto2/rpc/rpc.go's
// (unexported, but referenced) questionError type used when a
// `return.canceled` needs a caller-facing error.
type questionError struct {
	id  questionID
	err error
}

func (e *questionError) Error() string {
	return fmt.Sprintf("rpc: question %d: %v", e.id, e.err)
}
func (e *questionError) Unwrap() error      { return e.err }
func (e *questionError) RPCType() rpcerr.Type { return rpcerr.TypeOf(e.err) }
