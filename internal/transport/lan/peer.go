package lan

import (
	"bufio"
	"context"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/rudransh-shrivastava/nearby/internal/protocol"
)

// Peer wraps one QUIC connection. The first stream carries control messages;
// every other stream carries exactly one payload.
type Peer struct {
	codec *protocol.Codec
	conn  *quic.Conn

	mu            sync.Mutex
	controlStream *quic.Stream
	control       *bufio.Reader

	writeMu sync.Mutex
}

func NewPeer(conn *quic.Conn) *Peer {
	return &Peer{
		codec: protocol.NewCodec(),
		conn:  conn,
	}
}

// AcceptPayload waits for the next inbound payload stream.
func (p *Peer) AcceptPayload(ctx context.Context) (*quic.Stream, error) {
	return p.conn.AcceptStream(ctx)
}

// OpenPayload opens a payload stream and writes its header. The stream is
// reset if the header cannot be written.
func (p *Peer) OpenPayload(ctx context.Context, h *protocol.PayloadHeader) (*quic.Stream, error) {
	s, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := p.codec.Encode(s, h); err != nil {
		s.CancelWrite(codeFailed)
		return nil, fmt.Errorf("send payload header: %w", err)
	}
	return s, nil
}

// ReadHeader decodes the header of an inbound payload stream. The returned
// reader yields the content after it. A stream without a valid header is
// reset.
func (p *Peer) ReadHeader(s *quic.Stream) (*protocol.PayloadHeader, *bufio.Reader, error) {
	r := bufio.NewReader(s)
	h, err := protocol.Expect[*protocol.PayloadHeader](p.codec.Decode(r))
	if err != nil {
		s.CancelRead(codeFailed)
		return nil, nil, err
	}
	return h, r, nil
}

// Done is closed once the connection is gone.
func (p *Peer) Done() <-chan struct{} {
	return p.conn.Context().Done()
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.controlStream != nil {
		_ = p.controlStream.Close()
	}
	p.mu.Unlock()
	return p.conn.CloseWithError(0, "")
}

// Receive reads the next control message. Only one goroutine may receive.
func (p *Peer) Receive(ctx context.Context) (protocol.Message, error) {
	if _, err := p.acceptControlStream(ctx); err != nil {
		return nil, err
	}
	return p.codec.Decode(p.control)
}

func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

func (p *Peer) Send(ctx context.Context, msg protocol.Message) error {
	stream, err := p.getControlStream(ctx)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.codec.Encode(stream, msg)
}

func (p *Peer) acceptControlStream(ctx context.Context) (*quic.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.controlStream != nil {
		return p.controlStream, nil
	}

	stream, err := p.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	p.setControl(stream)
	return stream, nil
}

func (p *Peer) getControlStream(ctx context.Context) (*quic.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.controlStream != nil {
		return p.controlStream, nil
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	p.setControl(stream)
	return stream, nil
}

func (p *Peer) setControl(stream *quic.Stream) {
	p.controlStream = stream
	p.control = bufio.NewReader(stream)
}
