package pbft

import (
	"github.com/quorumnet/pbft/protocol"
)

// PBFT is the public surface of the consensus core presented to the
// host node. It forwards to the engine and the block validator.
type PBFT struct {
	engine         *Engine
	blockValidator *BlockValidator
}

// New wraps an engine into the host-facing facade.
func New(engine *Engine) *PBFT {
	return &PBFT{
		engine:         engine,
		blockValidator: NewBlockValidator(engine.Config()),
	}
}

// Start brings the consensus core up.
func (p *PBFT) Start() {
	p.engine.Start()
}

// Stop shuts the consensus core down.
func (p *PBFT) Stop() {
	p.engine.Stop()
}

// AsyncSubmitProposal enters a proposal into consensus.
func (p *PBFT) AsyncSubmitProposal(data []byte, index uint64, hash []byte,
	onProposalSubmitted func(error)) {
	p.engine.AsyncSubmitProposal(data, index, hash, onProposalSubmitted)
}

// AsyncGetPBFTView reports the current view.
func (p *PBFT) AsyncGetPBFTView(onGetView func(error, uint64)) {
	onGetView(nil, p.engine.Config().View())
}

// AsyncNotifyConsensusMessage feeds an inbound consensus message into
// the engine on behalf of the host's messaging layer.
func (p *PBFT) AsyncNotifyConsensusMessage(err error, nodeID string, data []byte,
	respond func([]byte), onRecv func(error)) {
	p.engine.OnReceivePBFTMessage(err, nodeID, data, respond)
	if onRecv != nil {
		onRecv(nil)
	}
}

// AsyncCheckBlock re-checks a block for the sync module.
func (p *PBFT) AsyncCheckBlock(block *protocol.Proposal, onVerifyFinish func(error, bool)) {
	p.blockValidator.AsyncCheckBlock(block, onVerifyFinish)
}

// AsyncNotifyNewBlock tells the consensus core a block reached the
// ledger.
func (p *PBFT) AsyncNotifyNewBlock(ledgerConfig *protocol.LedgerConfig, onRecv func(error)) {
	p.engine.AsyncNotifyNewBlock(ledgerConfig, onRecv)
}
