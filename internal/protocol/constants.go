package protocol

const (
	NonceSize = 16

	// MaxBeaconSize bounds one UDP beacon datagram.
	MaxBeaconSize = 1280
)

type MessageType uint16

const (
	MsgBeacon             MessageType = 0x0001
	MsgConnectionRequest  MessageType = 0x0010
	MsgConnectionResponse MessageType = 0x0011
	MsgDisconnect         MessageType = 0x0012
	MsgPayloadHeader      MessageType = 0x0020
	MsgError              MessageType = 0x00FF
)

func (t MessageType) String() string {
	switch t {
	case MsgBeacon:
		return "BEACON"
	case MsgConnectionRequest:
		return "CONNECTION_REQUEST"
	case MsgConnectionResponse:
		return "CONNECTION_RESPONSE"
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgPayloadHeader:
		return "PAYLOAD_HEADER"
	case MsgError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type ErrorCode uint16

const (
	ErrUnknown         ErrorCode = 0x0000
	ErrInvalidMsg      ErrorCode = 0x0001
	ErrNotAdvertising  ErrorCode = 0x0002
	ErrServiceMismatch ErrorCode = 0x0003
	ErrNotConnected    ErrorCode = 0x0004
	ErrIdentity        ErrorCode = 0x0005
	ErrInternal        ErrorCode = 0x00FF
)

func (e ErrorCode) String() string {
	switch e {
	case ErrInvalidMsg:
		return "INVALID_MESSAGE"
	case ErrNotAdvertising:
		return "NOT_ADVERTISING"
	case ErrServiceMismatch:
		return "SERVICE_MISMATCH"
	case ErrNotConnected:
		return "NOT_CONNECTED"
	case ErrIdentity:
		return "IDENTITY_MISMATCH"
	case ErrInternal:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}
