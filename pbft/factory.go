package pbft

import (
	"time"

	"github.com/quorumnet/pbft/config"
	"github.com/quorumnet/pbft/protocol"
	"github.com/quorumnet/pbft/sign"
)

// populateMessage builds a three-phase packet stamped with this node's
// identity.
func populateMessage(cfg *config.Config, packetType uint8, view uint64, index uint64,
	proposal *protocol.Proposal) *protocol.PBFTMessage {
	return &protocol.PBFTMessage{
		BaseMessage: protocol.BaseMessage{
			Version:       protocol.DefaultVersion,
			PacketType:    packetType,
			View:          view,
			Index:         index,
			Timestamp:     time.Now().UnixNano(),
			GeneratedFrom: cfg.NodeIndex(),
		},
		Proposal: proposal,
	}
}

// signMessage signs the canonical bytes of the message in place.
func signMessage(cfg *config.Config, msg protocol.ConsensusMessage) error {
	data, err := protocol.SigningBytes(msg)
	if err != nil {
		return err
	}
	msg.Base().Signature = sign.SignEd25519(cfg.PrivateKey, data)
	return nil
}

// verifyMessageSignature checks the message signature against the
// consensus-node table entry of its generator.
func verifyMessageSignature(cfg *config.Config, msg protocol.ConsensusMessage) error {
	node := cfg.GetConsensusNodeByIndex(msg.Base().GeneratedFrom)
	if node == nil {
		return ErrUnknownSender
	}
	data, err := protocol.SigningBytes(msg)
	if err != nil {
		return ErrMalformedMessage
	}
	ok, err := sign.VerifySignEd25519(node.PubKey, data, msg.Base().Signature)
	if err != nil || !ok {
		return ErrBadSignature
	}
	return nil
}
