package pbft

import (
	"errors"

	"github.com/quorumnet/pbft/protocol"
)

// Protocol-layer errors are absorbed locally: they are logged and the
// offending message is dropped. Only ErrNotConsensusNode and
// ErrStorageError ever reach a submitter.
var (
	ErrMalformedMessage = protocol.ErrMalformedMessage
	ErrVersionMismatch  = protocol.ErrVersionMismatch

	ErrBadSignature       = errors.New("invalid message signature")
	ErrConflict           = errors.New("conflicting hash at the same index and view")
	ErrOutOfWindow        = errors.New("index outside the watermark window")
	ErrStaleView          = errors.New("message view is behind the current view")
	ErrNotConsensusNode   = errors.New("the node is not a consensus node")
	ErrUnknownSender      = errors.New("sender is not in the consensus-node table")
	ErrDuplicateMessage   = errors.New("duplicate message")
	ErrVerificationFailed = errors.New("proposal verification failed")
	ErrSyncTimeout        = errors.New("log-sync request timed out")
	ErrStorageError       = errors.New("storage failure")
)
