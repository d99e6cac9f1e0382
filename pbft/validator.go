package pbft

import (
	"bytes"

	"github.com/quorumnet/pbft/protocol"
	"github.com/quorumnet/pbft/sign"
)

// Validator checks the content of a proposal before this replica
// votes for it. The result is delivered asynchronously and re-enters
// the engine.
type Validator interface {
	VerifyProposal(nodeID string, proposal *protocol.Proposal, callback func(error, bool))
}

// HashValidator accepts a proposal when its payload matches the
// digest it was submitted under. Hosts with transaction-level
// validation plug in their own Validator instead.
type HashValidator struct{}

// VerifyProposal implements Validator.
func (HashValidator) VerifyProposal(nodeID string, proposal *protocol.Proposal,
	callback func(error, bool)) {
	go func() {
		if proposal == nil {
			callback(nil, false)
			return
		}
		if sign.IsEmptyHash(proposal.Hash) {
			callback(nil, true)
			return
		}
		callback(nil, bytes.Equal(protocol.HashProposalData(proposal.Data), proposal.Hash))
	}()
}
