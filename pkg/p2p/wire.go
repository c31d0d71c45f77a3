package p2p

import (
	"bytes"
	"encoding/gob"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

// Announcement binds a validator identity to the libp2p peer that
// published it. The publisher is taken from the pubsub envelope.
type Announcement struct {
	Identity []byte
}

// MessageWire carries one HotStuff message on a stream.
type MessageWire[A consensus.NodeAddressable, P consensus.Payload] struct {
	Message consensus.HotStuffMessage[A, P]
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func EncodeMessage[A consensus.NodeAddressable, P consensus.Payload](msg consensus.HotStuffMessage[A, P]) ([]byte, error) {
	return gobEncode(MessageWire[A, P]{Message: msg})
}

func DecodeMessage[A consensus.NodeAddressable, P consensus.Payload](b []byte) (consensus.HotStuffMessage[A, P], error) {
	var w MessageWire[A, P]
	err := gobDecode(b, &w)
	return w.Message, err
}
