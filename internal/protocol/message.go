package protocol

type Message interface {
	Type() MessageType
}

// Beacon is broadcast over UDP while advertising.
type Beacon struct {
	EndpointID string
	Name       string
	ServiceID  string
	Port       uint16
}

func (Beacon) Type() MessageType { return MsgBeacon }

// ConnectionRequest opens the control stream of a new connection.
type ConnectionRequest struct {
	EndpointID string
	Name       string
	ServiceID  string
	Nonce      [NonceSize]byte
}

func (ConnectionRequest) Type() MessageType { return MsgConnectionRequest }

// ConnectionResponse carries one side's decision.
type ConnectionResponse struct {
	Accepted bool
}

func (ConnectionResponse) Type() MessageType { return MsgConnectionResponse }

type Disconnect struct {
	Reason string
}

func (Disconnect) Type() MessageType { return MsgDisconnect }

// PayloadHeader starts every payload stream. Raw payload bytes follow it.
type PayloadHeader struct {
	PayloadID int64
	Kind      uint8
	Name      string
	Size      int64
}

func (PayloadHeader) Type() MessageType { return MsgPayloadHeader }

type Error struct {
	Code    ErrorCode
	Message string
}

func (Error) Type() MessageType { return MsgError }
