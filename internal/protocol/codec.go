package protocol

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

var (
	ErrUnexpectedMessage = errors.New("unexpected message")
	ErrBeaconTooLarge    = errors.New("beacon exceeds datagram size")
)

func init() {
	gob.Register(&Beacon{})
	gob.Register(&ConnectionRequest{})
	gob.Register(&ConnectionResponse{})
	gob.Register(&Disconnect{})
	gob.Register(&PayloadHeader{})
	gob.Register(&Error{})
}

// Codec frames messages with gob. A Codec holds no state; encoders and
// decoders are created per call so a stream can carry raw bytes after a
// message.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, msg Message) error {
	return gob.NewEncoder(w).Encode(&msg)
}

func (c *Codec) Decode(r io.Reader) (Message, error) {
	var msg Message
	if err := gob.NewDecoder(r).Decode(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	return c.Decode(bytes.NewReader(data))
}

// EncodeBeacon encodes b as one datagram.
func (c *Codec) EncodeBeacon(b *Beacon) ([]byte, error) {
	data, err := c.EncodeToBytes(b)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxBeaconSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBeaconTooLarge, len(data))
	}
	return data, nil
}

// DecodeBeacon decodes one datagram, which must hold a Beacon.
func (c *Codec) DecodeBeacon(data []byte) (*Beacon, error) {
	if len(data) > MaxBeaconSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBeaconTooLarge, len(data))
	}
	return Expect[*Beacon](c.DecodeFromBytes(data))
}

// Expect narrows a decoded message to T. It passes decode errors through and
// reports any other message type as ErrUnexpectedMessage.
func Expect[T Message](msg Message, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	v, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", ErrUnexpectedMessage, msg, zero)
	}
	return v, nil
}
