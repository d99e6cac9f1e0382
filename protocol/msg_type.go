package protocol

import "reflect"

// Packet types. The numeric assignment is a compatibility constant for
// a network and must never change once deployed.
const (
	PrePreparePacket                uint8 = 0x10
	PreparePacket                   uint8 = 0x11
	CommitPacket                    uint8 = 0x12
	ViewChangePacket                uint8 = 0x20
	NewViewPacket                   uint8 = 0x21
	CommittedProposalRequestPacket  uint8 = 0x30
	PreparedProposalRequestPacket   uint8 = 0x31
	CommittedProposalResponsePacket uint8 = 0x32
	PreparedProposalResponsePacket  uint8 = 0x33
)

var pbftMsg PBFTMessage
var viewChangeMsg ViewChangeMessage
var newViewMsg NewViewMessage
var proposalReq ProposalRequest
var proposalResp ProposalResponse

var reflectedTypesMap = map[uint8]reflect.Type{
	PrePreparePacket:                reflect.TypeOf(pbftMsg),
	PreparePacket:                   reflect.TypeOf(pbftMsg),
	CommitPacket:                    reflect.TypeOf(pbftMsg),
	ViewChangePacket:                reflect.TypeOf(viewChangeMsg),
	NewViewPacket:                   reflect.TypeOf(newViewMsg),
	CommittedProposalRequestPacket:  reflect.TypeOf(proposalReq),
	PreparedProposalRequestPacket:   reflect.TypeOf(proposalReq),
	CommittedProposalResponsePacket: reflect.TypeOf(proposalResp),
	PreparedProposalResponsePacket:  reflect.TypeOf(proposalResp),
}
