package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestCodecBeacon(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	msg := &Beacon{EndpointID: "a1b2", Name: "Alice", ServiceID: "svc", Port: 59000}
	if err := codec.Encode(&buf, msg); err != nil {
		t.Fatalf("Encode Beacon failed: %v", err)
	}

	decoded, err := codec.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode Beacon failed: %v", err)
	}

	decodedMsg, ok := decoded.(*Beacon)
	if !ok {
		t.Fatalf("Expected *Beacon, got %T", decoded)
	}
	if decodedMsg.Name != "Alice" || decodedMsg.Port != 59000 {
		t.Errorf("Beacon mismatch: %+v", decodedMsg)
	}
}

func TestCodecDecodeFromBytes(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&Disconnect{Reason: "bye"})
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}
	if len(data) > MaxBeaconSize {
		t.Errorf("Expected small message, got %d bytes", len(data))
	}

	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}

	if d, ok := decoded.(*Disconnect); !ok || d.Reason != "bye" {
		t.Errorf("Expected *Disconnect with reason, got %#v", decoded)
	}
}

func TestCodecHandshake(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	req := &ConnectionRequest{EndpointID: "b2c3", Name: "Bob", ServiceID: "svc"}
	copy(req.Nonce[:], "0123456789abcdef")

	if err := codec.Encode(&buf, req); err != nil {
		t.Fatalf("Encode ConnectionRequest failed: %v", err)
	}
	if err := codec.Encode(&buf, &ConnectionResponse{Accepted: true}); err != nil {
		t.Fatalf("Encode ConnectionResponse failed: %v", err)
	}

	r := bufio.NewReader(&buf)

	decoded, err := codec.Decode(r)
	if err != nil {
		t.Fatalf("Decode ConnectionRequest failed: %v", err)
	}
	decodedReq, ok := decoded.(*ConnectionRequest)
	if !ok {
		t.Fatalf("Expected *ConnectionRequest, got %T", decoded)
	}
	if decodedReq.Nonce != req.Nonce {
		t.Errorf("Nonce mismatch")
	}

	decoded, err = codec.Decode(r)
	if err != nil {
		t.Fatalf("Decode ConnectionResponse failed: %v", err)
	}
	if res, ok := decoded.(*ConnectionResponse); !ok || !res.Accepted {
		t.Errorf("Expected accepted response, got %#v", decoded)
	}
}

func TestCodecPayloadHeaderThenRawBytes(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	hdr := &PayloadHeader{PayloadID: 1 << 40, Kind: 2, Name: "photo.jpg", Size: 11}
	if err := codec.Encode(&buf, hdr); err != nil {
		t.Fatalf("Encode PayloadHeader failed: %v", err)
	}
	buf.WriteString("hello world")

	r := bufio.NewReader(&buf)
	decoded, err := codec.Decode(r)
	if err != nil {
		t.Fatalf("Decode PayloadHeader failed: %v", err)
	}
	decodedHdr, ok := decoded.(*PayloadHeader)
	if !ok {
		t.Fatalf("Expected *PayloadHeader, got %T", decoded)
	}
	if decodedHdr.PayloadID != 1<<40 || decodedHdr.Name != "photo.jpg" {
		t.Errorf("PayloadHeader mismatch: %+v", decodedHdr)
	}

	rest, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(rest) != "hello world" {
		t.Errorf("Expected raw bytes after header, got %q", rest)
	}
}

func TestCodecError(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	msg := &Error{
		Code:    ErrServiceMismatch,
		Message: "service id does not match",
	}

	if err := codec.Encode(&buf, msg); err != nil {
		t.Fatalf("Encode Error failed: %v", err)
	}

	decoded, err := codec.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode Error failed: %v", err)
	}

	decodedMsg, ok := decoded.(*Error)
	if !ok {
		t.Fatalf("Expected *Error, got %T", decoded)
	}

	if decodedMsg.Code != ErrServiceMismatch {
		t.Errorf("Expected ErrServiceMismatch, got %v", decodedMsg.Code)
	}
}

func TestErrorCodeString(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected string
	}{
		{ErrNotAdvertising, "NOT_ADVERTISING"},
		{ErrServiceMismatch, "SERVICE_MISMATCH"},
		{ErrIdentity, "IDENTITY_MISMATCH"},
		{ErrUnknown, "UNKNOWN"},
		{ErrorCode(0xFFFE), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.code.String(); got != tt.expected {
			t.Errorf("%v.String() = %s, want %s", tt.code, got, tt.expected)
		}
	}
}

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		expected string
		msgType  MessageType
	}{
		{"BEACON", MsgBeacon},
		{"CONNECTION_REQUEST", MsgConnectionRequest},
		{"PAYLOAD_HEADER", MsgPayloadHeader},
		{"ERROR", MsgError},
		{"UNKNOWN", MessageType(0xFFFF)},
	}

	for _, tt := range tests {
		if got := tt.msgType.String(); got != tt.expected {
			t.Errorf("%v.String() = %s, want %s", tt.msgType, got, tt.expected)
		}
	}
}

func TestCodecBeaconDatagram(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeBeacon(&Beacon{EndpointID: "a1b2", Name: "Alice", ServiceID: "svc", Port: 4000})
	if err != nil {
		t.Fatalf("EncodeBeacon failed: %v", err)
	}
	b, err := codec.DecodeBeacon(data)
	if err != nil {
		t.Fatalf("DecodeBeacon failed: %v", err)
	}
	if b.EndpointID != "a1b2" || b.Port != 4000 {
		t.Errorf("Beacon mismatch: %+v", b)
	}

	if _, err := codec.EncodeBeacon(&Beacon{Name: strings.Repeat("x", MaxBeaconSize)}); !errors.Is(err, ErrBeaconTooLarge) {
		t.Errorf("Expected ErrBeaconTooLarge, got %v", err)
	}
	if _, err := codec.DecodeBeacon(make([]byte, MaxBeaconSize+1)); !errors.Is(err, ErrBeaconTooLarge) {
		t.Errorf("Expected ErrBeaconTooLarge for oversized datagram, got %v", err)
	}
}

func TestExpect(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&Disconnect{Reason: "bye"})
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	d, err := Expect[*Disconnect](codec.DecodeFromBytes(data))
	if err != nil || d.Reason != "bye" {
		t.Errorf("Expected disconnect, got %+v, %v", d, err)
	}

	if _, err := Expect[*Beacon](codec.DecodeFromBytes(data)); !errors.Is(err, ErrUnexpectedMessage) {
		t.Errorf("Expected ErrUnexpectedMessage, got %v", err)
	}
	if _, err := codec.DecodeBeacon(data); !errors.Is(err, ErrUnexpectedMessage) {
		t.Errorf("Expected DecodeBeacon to reject a disconnect, got %v", err)
	}

	if _, err := Expect[*Beacon](codec.DecodeFromBytes([]byte{0xff})); err == nil || errors.Is(err, ErrUnexpectedMessage) {
		t.Errorf("Expected a decode error, got %v", err)
	}
}
