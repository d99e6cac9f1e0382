package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"reflect"
)

func genMsgHashSum(data []byte) ([]byte, error) {
	msgHash := sha256.New()
	_, err := msgHash.Write(data)
	if err != nil {
		return nil, err
	}
	return msgHash.Sum(nil), nil
}

// encode encodes the data into canonical bytes used for hashing and
// signing. Data can be of any type.
func encode(data interface{}) ([]byte, error) {
	buf := bytes.Buffer{}
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode decodes canonical bytes back into the data.
// Data should be passed in the format of a pointer to a type.
func decode(s []byte, data interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(s))
	if err := dec.Decode(data); err != nil {
		return err
	}
	return nil
}

// MarshalProposal encodes a proposal for storage.
func MarshalProposal(p *Proposal) ([]byte, error) {
	return encode(p)
}

// UnmarshalProposal decodes a stored proposal.
func UnmarshalProposal(data []byte) (*Proposal, error) {
	p := &Proposal{}
	if err := decode(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

func newMessage(reflectedType reflect.Type) (ConsensusMessage, bool) {
	msg, ok := reflect.New(reflectedType).Interface().(ConsensusMessage)
	return msg, ok
}

// HashProposalData computes the digest a proposal is identified by.
func HashProposalData(data []byte) []byte {
	hash, _ := genMsgHashSum(data)
	return hash
}

// CopyWithoutData returns a payload-stripped copy of the message, as
// carried inside view-change evidence.
func (m *PBFTMessage) CopyWithoutData() *PBFTMessage {
	copied := &PBFTMessage{BaseMessage: m.BaseMessage}
	copied.From = ""
	if m.Proposal != nil {
		copied.Proposal = &Proposal{
			Index:      m.Proposal.Index,
			Hash:       m.Proposal.Hash,
			Signatures: m.Proposal.Signatures,
		}
	}
	return copied
}
