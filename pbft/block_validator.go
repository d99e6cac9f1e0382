package pbft

import (
	"github.com/hashicorp/go-hclog"

	"github.com/quorumnet/pbft/config"
	"github.com/quorumnet/pbft/protocol"
	"github.com/quorumnet/pbft/sign"
)

// BlockValidator re-checks a block handed over by the sync module:
// its index must be ahead of the committed chain and its signature
// list must reach quorum weight over the consensus-node table.
type BlockValidator struct {
	cfg    *config.Config
	logger hclog.Logger
}

// NewBlockValidator builds a validator over the live configuration.
func NewBlockValidator(cfg *config.Config) *BlockValidator {
	return &BlockValidator{
		cfg: cfg,
		logger: hclog.New(&hclog.LoggerOptions{
			Name:   "pbft-block-validator",
			Output: hclog.DefaultOutput,
			Level:  hclog.Level(cfg.LogLevel),
		}),
	}
}

// AsyncCheckBlock verifies the block off the caller's goroutine.
func (v *BlockValidator) AsyncCheckBlock(block *protocol.Proposal,
	onVerifyFinish func(error, bool)) {
	go func() {
		// the genesis block needs no certificate
		if block.Index == 0 {
			onVerifyFinish(nil, true)
			return
		}
		if block.Index <= v.cfg.CommittedProposal().Index {
			v.logger.Debug("check block: the index is already committed", "index", block.Index)
			onVerifyFinish(nil, false)
			return
		}
		if !v.checkSignatureList(block) {
			onVerifyFinish(nil, false)
			return
		}
		onVerifyFinish(nil, true)
	}()
}

// checkSignatureList verifies every signature over the block hash and
// requires quorum weight of distinct consensus nodes.
func (v *BlockValidator) checkSignatureList(block *protocol.Proposal) bool {
	var signatureWeight uint64
	seen := make(map[uint32]bool)
	for _, s := range block.Signatures {
		node := v.cfg.GetConsensusNodeByIndex(s.NodeIndex)
		if node == nil {
			v.logger.Error("check block: unknown signer", "signer", s.NodeIndex, "index", block.Index)
			return false
		}
		ok, err := sign.VerifySignEd25519(node.PubKey, block.Hash, s.Sig)
		if err != nil || !ok {
			v.logger.Error("check block: checkSign failed",
				"signer", s.NodeIndex, "index", block.Index, "error", err)
			return false
		}
		if seen[s.NodeIndex] {
			continue
		}
		seen[s.NodeIndex] = true
		signatureWeight += node.Weight
	}
	if signatureWeight < v.cfg.Quorum() {
		v.logger.Error("check block: insufficient signatures",
			"sigWeight", signatureWeight, "quorum", v.cfg.Quorum(), "index", block.Index)
		return false
	}
	return true
}
