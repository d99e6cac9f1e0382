package protocol

import (
	"bytes"
	"testing"
)

func samplePBFTMessage(packetType uint8) *PBFTMessage {
	return &PBFTMessage{
		BaseMessage: BaseMessage{
			Version:       DefaultVersion,
			PacketType:    packetType,
			View:          3,
			Index:         17,
			Timestamp:     1234567890,
			GeneratedFrom: 2,
			Signature:     []byte{0xaa, 0xbb},
		},
		Proposal: &Proposal{
			Index: 17,
			Hash:  HashProposalData([]byte("payload")),
			Data:  []byte("payload"),
			Signatures: []ProposalSignature{
				{NodeIndex: 2, Sig: []byte{0x01}},
			},
		},
	}
}

func TestCodecRoundTripThreePhase(t *testing.T) {
	for _, packetType := range []uint8{PrePreparePacket, PreparePacket, CommitPacket} {
		msg := samplePBFTMessage(packetType)
		data, err := Encode(msg)
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := Decode(data)
		if err != nil {
			t.Fatal(err)
		}
		typed, ok := decoded.(*PBFTMessage)
		if !ok {
			t.Fatalf("decoded message is not a PBFTMessage: %T", decoded)
		}
		if typed.PacketType != packetType || typed.View != msg.View || typed.Index != msg.Index {
			t.Fatal("decoded header does not match the original one")
		}
		if !bytes.Equal(typed.Hash(), msg.Hash()) || !bytes.Equal(typed.Proposal.Data, msg.Proposal.Data) {
			t.Fatal("decoded proposal does not match the original one")
		}
		if !bytes.Equal(typed.Signature, msg.Signature) {
			t.Fatal("decoded signature does not match the original one")
		}
	}
}

func TestCodecRoundTripViewChange(t *testing.T) {
	msg := &ViewChangeMessage{
		BaseMessage: BaseMessage{
			Version:       DefaultVersion,
			PacketType:    ViewChangePacket,
			View:          4,
			Index:         9,
			GeneratedFrom: 1,
			Signature:     []byte{0x02},
		},
		CommittedProposal: &Proposal{Index: 9, Hash: HashProposalData([]byte("committed"))},
		PreparedProposals: []*PBFTMessage{samplePBFTMessage(PrePreparePacket).CopyWithoutData()},
	}
	data, err := Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	typed, ok := decoded.(*ViewChangeMessage)
	if !ok {
		t.Fatalf("decoded message is not a ViewChangeMessage: %T", decoded)
	}
	if typed.CommittedProposal.Index != 9 {
		t.Fatal("decoded committed proposal does not match the original one")
	}
	if len(typed.PreparedProposals) != 1 || typed.PreparedProposals[0].Index != 17 {
		t.Fatal("decoded prepared proposals do not match the original ones")
	}
	if typed.PreparedProposals[0].Proposal.Data != nil {
		t.Fatal("prepared proposals must not carry payload bytes")
	}
}

func TestCodecRoundTripNewView(t *testing.T) {
	viewChange := &ViewChangeMessage{
		BaseMessage: BaseMessage{
			Version:       DefaultVersion,
			PacketType:    ViewChangePacket,
			View:          4,
			GeneratedFrom: 3,
		},
		CommittedProposal: &Proposal{Index: 1, Hash: HashProposalData([]byte("c"))},
	}
	msg := &NewViewMessage{
		BaseMessage: BaseMessage{
			Version:       DefaultVersion,
			PacketType:    NewViewPacket,
			View:          4,
			Index:         0,
			GeneratedFrom: 0,
		},
		ViewChangeList: []*ViewChangeMessage{viewChange},
		PrePrepareList: []*PBFTMessage{samplePBFTMessage(PrePreparePacket)},
	}
	data, err := Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	typed, ok := decoded.(*NewViewMessage)
	if !ok {
		t.Fatalf("decoded message is not a NewViewMessage: %T", decoded)
	}
	if len(typed.ViewChangeList) != 1 || typed.ViewChangeList[0].GeneratedFrom != 3 {
		t.Fatal("decoded view-change list does not match the original one")
	}
	if len(typed.PrePrepareList) != 1 || typed.PrePrepareList[0].Index != 17 {
		t.Fatal("decoded pre-prepare list does not match the original one")
	}
}

func TestCodecRoundTripLogSync(t *testing.T) {
	req := &ProposalRequest{
		BaseMessage: BaseMessage{
			Version:       DefaultVersion,
			PacketType:    CommittedProposalRequestPacket,
			Index:         5,
			GeneratedFrom: 1,
		},
		Offset: 10,
	}
	data, err := Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	typedReq, ok := decoded.(*ProposalRequest)
	if !ok {
		t.Fatalf("decoded message is not a ProposalRequest: %T", decoded)
	}
	if typedReq.Offset != 10 || typedReq.Index != 5 {
		t.Fatal("decoded request does not match the original one")
	}

	resp := &ProposalResponse{
		BaseMessage: BaseMessage{
			Version:       DefaultVersion,
			PacketType:    PreparedProposalResponsePacket,
			Index:         5,
			GeneratedFrom: 2,
		},
		Proposals: []*Proposal{{Index: 5, Hash: HashProposalData([]byte("x")), Data: []byte("x")}},
	}
	data, err = Encode(resp)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err = Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	typedResp, ok := decoded.(*ProposalResponse)
	if !ok {
		t.Fatalf("decoded message is not a ProposalResponse: %T", decoded)
	}
	if len(typedResp.Proposals) != 1 || typedResp.Proposals[0].Index != 5 {
		t.Fatal("decoded response does not match the original one")
	}
}

func TestDecodeRejectsUnknownPacketType(t *testing.T) {
	msg := samplePBFTMessage(PrePreparePacket)
	data, err := Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	data[1] = 0xff
	if _, err := Decode(data); err != ErrMalformedMessage {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	msg := samplePBFTMessage(PreparePacket)
	data, err := Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	data[0] = DefaultVersion + 1
	if _, err := Decode(data); err != ErrVersionMismatch {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	if _, err := Decode([]byte{DefaultVersion}); err != ErrMalformedMessage {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestSigningBytesExcludeSignature(t *testing.T) {
	msg := samplePBFTMessage(CommitPacket)
	withSig, err := SigningBytes(msg)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Signature == nil {
		t.Fatal("SigningBytes must restore the signature")
	}
	msg.Signature = []byte{0xde, 0xad}
	otherSig, err := SigningBytes(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(withSig, otherSig) {
		t.Fatal("signing bytes must not depend on the signature")
	}
}
