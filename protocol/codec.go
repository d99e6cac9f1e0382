/*
Package protocol defines the consensus packets and their wire codec.

Every frame is laid out as

	uint8 version | uint8 packetType | msgpack-encoded body

where the body is the typed message including its signature. The
signature itself covers the canonical byte form of the message with
the signature field cleared, see SigningBytes.
*/
package protocol

import (
	"bytes"
	"errors"

	"github.com/hashicorp/go-msgpack/codec"
)

// DefaultVersion is the only wire version this build speaks.
const DefaultVersion uint8 = 1

var (
	// ErrMalformedMessage is returned when a frame cannot be decoded.
	ErrMalformedMessage = errors.New("malformed consensus message")

	// ErrVersionMismatch is returned for frames of an unknown version.
	ErrVersionMismatch = errors.New("unsupported message version")
)

// Encode serializes the message with its version/type framing.
func Encode(msg ConsensusMessage) ([]byte, error) {
	base := msg.Base()
	buf := bytes.Buffer{}
	buf.WriteByte(base.Version)
	buf.WriteByte(base.PacketType)
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a frame into its typed message. Unknown packet types
// and versions are rejected.
func Decode(data []byte) (ConsensusMessage, error) {
	if len(data) < 2 {
		return nil, ErrMalformedMessage
	}
	version := data[0]
	if version != DefaultVersion {
		return nil, ErrVersionMismatch
	}
	packetType := data[1]
	reflectedType, ok := reflectedTypesMap[packetType]
	if !ok {
		return nil, ErrMalformedMessage
	}
	msg, ok := newMessage(reflectedType)
	if !ok {
		return nil, ErrMalformedMessage
	}
	dec := codec.NewDecoder(bytes.NewReader(data[2:]), &codec.MsgpackHandle{})
	if err := dec.Decode(msg); err != nil {
		return nil, ErrMalformedMessage
	}
	base := msg.Base()
	if base.Version != version || base.PacketType != packetType {
		return nil, ErrMalformedMessage
	}
	return msg, nil
}

// SigningBytes returns the canonical bytes a signature covers: the
// message encoded with its signature field cleared.
func SigningBytes(msg ConsensusMessage) ([]byte, error) {
	base := msg.Base()
	sig := base.Signature
	base.Signature = nil
	defer func() { base.Signature = sig }()
	return encode(msg)
}
