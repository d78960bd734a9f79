package transport

import "fmt"

type PayloadKind int

const (
	KindBytes PayloadKind = iota
	KindStream
	KindFile
)

func (k PayloadKind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindStream:
		return "stream"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type TransferState int

const (
	InProgress TransferState = iota
	Success
	Failure
	Canceled
)

func (s TransferState) String() string {
	switch s {
	case InProgress:
		return "in_progress"
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s TransferState) Terminal() bool {
	return s == Success || s == Failure || s == Canceled
}

// Event is implemented by every notification a Transport emits.
type Event interface {
	event()
}

type AdvertisingStarted struct{}

type AdvertisingFailed struct {
	Err error
}

type DiscoveryStarted struct{}

type DiscoveryFailed struct {
	Err error
}

type EndpointFound struct {
	EndpointID string
	Name       string
}

type EndpointLost struct {
	EndpointID string
}

// ConnectionRequested is reported on both sides of a handshake. Incoming is
// false on the side that called RequestConnection.
type ConnectionRequested struct {
	EndpointID       string
	Name             string
	Incoming         bool
	VerificationCode string
}

type ConnectionFailed struct {
	EndpointID string
	Err        error
}

type EndpointConnected struct {
	EndpointID string
}

type EndpointDisconnected struct {
	EndpointID string
}

type BytesReceived struct {
	EndpointID string
	PayloadID  int64
	Data       []byte
}

// PayloadReceived announces the start of an incoming stream or file. The
// transport checks Token between chunks; cancelling it abandons the receive.
type PayloadReceived struct {
	EndpointID string
	PayloadID  int64
	Kind       PayloadKind
	Name       string
	Path       string
	Size       int64
	Token      *CancelToken
}

type StreamChunkReceived struct {
	EndpointID string
	PayloadID  int64
	Data       []byte
}

type TransferProgress struct {
	EndpointID string
	PayloadID  int64
	Done       int64
	Total      int64
}

type TransferTerminal struct {
	EndpointID string
	PayloadID  int64
	State      TransferState
	Err        error
}

func (AdvertisingStarted) event()   {}
func (AdvertisingFailed) event()    {}
func (DiscoveryStarted) event()     {}
func (DiscoveryFailed) event()      {}
func (EndpointFound) event()        {}
func (EndpointLost) event()         {}
func (ConnectionRequested) event()  {}
func (ConnectionFailed) event()     {}
func (EndpointConnected) event()    {}
func (EndpointDisconnected) event() {}
func (BytesReceived) event()        {}
func (PayloadReceived) event()      {}
func (StreamChunkReceived) event()  {}
func (TransferProgress) event()     {}
func (TransferTerminal) event()     {}
