package protocol

// Proposal is the unit of agreement: an opaque payload bound to a
// position in the total order by its index and digest.
type Proposal struct {
	Index      uint64
	Hash       []byte
	Data       []byte
	Signatures []ProposalSignature
}

// ProposalSignature records one consensus node's signature over the
// proposal hash.
type ProposalSignature struct {
	NodeIndex uint32
	Sig       []byte
}

// BaseMessage carries the fields shared by every consensus packet.
// From is attached on receipt and never goes over the wire.
type BaseMessage struct {
	Version       uint8
	PacketType    uint8
	View          uint64
	Index         uint64
	Timestamp     int64
	GeneratedFrom uint32
	Signature     []byte

	From string `codec:"-" json:"-"`
}

// Base returns the common header of the message.
func (b *BaseMessage) Base() *BaseMessage {
	return b
}

// ConsensusMessage is implemented by every decodable packet.
type ConsensusMessage interface {
	Base() *BaseMessage
}

// PBFTMessage is the three-phase packet: a pre-prepare carries the
// full proposal, while prepares and commits carry only its hash.
type PBFTMessage struct {
	BaseMessage
	Proposal *Proposal
}

// Hash returns the proposal digest the message votes on.
func (m *PBFTMessage) Hash() []byte {
	if m.Proposal == nil {
		return nil
	}
	return m.Proposal.Hash
}

// ViewChangeMessage asks to move to View. PreparedProposals are
// payload-stripped pre-prepare summaries so the message stays small.
type ViewChangeMessage struct {
	BaseMessage
	CommittedProposal *Proposal
	PreparedProposals []*PBFTMessage
}

// NewViewMessage closes a view change. Index holds the index of the
// leader that assembled it.
type NewViewMessage struct {
	BaseMessage
	ViewChangeList []*ViewChangeMessage
	PrePrepareList []*PBFTMessage
}

// ProposalRequest asks a peer for log data: committed proposals in
// [Index, Index+Offset) or a precommitted proposal payload by Hash.
type ProposalRequest struct {
	BaseMessage
	Offset uint64
	Hash   []byte
}

// ProposalResponse answers a ProposalRequest.
type ProposalResponse struct {
	BaseMessage
	Proposals []*Proposal
}

// ConsensusNodeInfo describes one member of the committee.
type ConsensusNodeInfo struct {
	Index  uint32
	NodeID string
	Weight uint64
	PubKey []byte
}

// LedgerConfig is delivered by the ledger with every new block; it
// carries the configuration the consensus engine must apply.
type LedgerConfig struct {
	CommittedIndex     uint64
	CommittedHash      []byte
	ConsensusNodes     []*ConsensusNodeInfo
	ConsensusTimeoutMs int64
}
