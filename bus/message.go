package bus

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

// Kind tags a bus message envelope.
type Kind uint8

const (
	// KindScanProbe asks the addressed peer to identify itself.
	KindScanProbe Kind = 0x01
	// KindScanReply answers a probe with the peer's component ID.
	KindScanReply Kind = 0x02
	// KindBootCommand instructs a verified component to boot.
	KindBootCommand Kind = 0x03
	// KindBootReply confirms a boot and carries the boot message.
	KindBootReply Kind = 0x04
	// KindAttestRequest asks for the provisioned attestation fields.
	KindAttestRequest Kind = 0x05
	// KindAttestReply carries the attestation data.
	KindAttestReply Kind = 0x06
	// KindSecure carries an opaque secure-channel payload.
	KindSecure Kind = 0x07
)

// Message is a typed bus envelope. On the wire it is the kind byte
// followed by the CBOR encoding of whichever fields the kind uses.
type Message struct {
	Kind        Kind                   `cbor:"-"`
	ComponentID interfaces.ComponentID `cbor:"id,omitempty"`
	Text        string                 `cbor:"text,omitempty"`
	Payload     []byte                 `cbor:"payload,omitempty"`
}

// EncodeMessage renders the wire frame for m.
func EncodeMessage(m Message) ([]byte, error) {
	body, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding bus message: %w", err)
	}
	frame := make([]byte, 0, 1+len(body))
	frame = append(frame, byte(m.Kind))
	return append(frame, body...), nil
}

// DecodeMessage parses a wire frame back into a Message.
func DecodeMessage(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, errors.New("empty bus frame")
	}
	var m Message
	if err := cbor.Unmarshal(frame[1:], &m); err != nil {
		return Message{}, fmt.Errorf("decoding bus message: %w", err)
	}
	m.Kind = Kind(frame[0])
	return m, nil
}
