// Package storage persists committed proposals for the consensus
// engine. Two key spaces are kept: a single max_committed_proposal
// key and the pbftCommitDB keyspace indexed by proposal index.
package storage

import (
	"github.com/quorumnet/pbft/protocol"
)

// Storage is the ledger surface the consensus engine consumes.
type Storage interface {
	// LoadState replays the proposals committed above the stable index.
	LoadState(stabledIndex uint64) ([]*protocol.Proposal, error)

	// AsyncCommitProposal durably records a committed proposal.
	AsyncCommitProposal(p *protocol.Proposal)

	// AsyncCommitStableCheckPoint marks a committed proposal stable,
	// prunes commit entries more than the retain window below it and
	// fires the registered handlers.
	AsyncCommitStableCheckPoint(p *protocol.Proposal)

	// AsyncGetCommittedProposals reads proposals in [start, start+offset).
	AsyncGetCommittedProposals(start uint64, offset uint64, onSuccess func([]*protocol.Proposal))

	// MaxCommittedProposalIndex returns the highest stable index.
	MaxCommittedProposalIndex() uint64

	RegisterConfigResetHandler(handler func(*protocol.LedgerConfig))
	RegisterFinalizeHandler(handler func(*protocol.LedgerConfig))
	RegisterNotifyHandler(handler func(*protocol.Proposal))
}
