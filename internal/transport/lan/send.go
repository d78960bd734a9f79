package lan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"code.hybscloud.com/iox"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/rudransh-shrivastava/nearby/internal/protocol"
	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

const (
	codeCanceled quic.StreamErrorCode = 0x1
	codeFailed   quic.StreamErrorCode = 0x2

	// maxBytesPayload bounds an in-memory bytes payload.
	maxBytesPayload = 32 << 20
)

var (
	errCanceled = errors.New("transfer canceled")
	errTooLarge = errors.New("bytes payload too large")
)

// Send opens one QUIC stream per target. Targets that are not connected fail
// immediately.
func (t *Transport) Send(ctx context.Context, p *transport.Outgoing) error {
	if p.Kind != transport.KindBytes && p.Kind != transport.KindFile && p.Kind != transport.KindStream {
		return fmt.Errorf("unknown payload kind %v", p.Kind)
	}
	if p.Kind == transport.KindBytes && len(p.Data) > maxBytesPayload {
		return fmt.Errorf("%w: %d bytes, limit %d", errTooLarge, len(p.Data), maxBytesPayload)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	peers := make(map[string]*Peer, len(p.Targets))
	var dead []string
	for _, id := range p.Targets {
		if l, ok := t.links[id]; ok && l.connected {
			peers[id] = l.peer
		} else {
			dead = append(dead, id)
		}
	}
	if len(peers) > 0 {
		t.spawn(func() { t.fanOut(ctx, p, peers) })
	}
	t.mu.Unlock()

	for _, id := range dead {
		t.terminal(id, p.ID, transport.Failure, fmt.Errorf("send to %s: %w", id, transport.ErrNotConnected))
	}
	return nil
}

func (t *Transport) fanOut(ctx context.Context, p *transport.Outgoing, peers map[string]*Peer) {
	if p.Kind == transport.KindStream {
		t.pumpStream(ctx, p, peers)
		return
	}

	var g errgroup.Group
	for id, peer := range peers {
		g.Go(func() error { return t.sendTo(ctx, p, id, peer) })
	}
	if err := g.Wait(); err != nil {
		t.logger.Warn("Payload not delivered to every endpoint", "payload", p.ID, "error", err)
	}
}

func header(p *transport.Outgoing) *protocol.PayloadHeader {
	h := &protocol.PayloadHeader{PayloadID: p.ID, Kind: uint8(p.Kind), Name: p.Name, Size: p.Size}
	if p.Kind == transport.KindBytes {
		h.Size = int64(len(p.Data))
	}
	return h
}

// sendTo delivers a bytes or file payload to one endpoint.
func (t *Transport) sendTo(ctx context.Context, p *transport.Outgoing, id string, peer *Peer) error {
	h := header(p)

	var src io.Reader
	if p.Kind == transport.KindFile {
		f, err := os.Open(p.Path)
		if err != nil {
			t.terminal(id, p.ID, transport.Failure, err)
			return err
		}
		defer f.Close()
		src = f
	} else {
		src = bytes.NewReader(p.Data)
	}

	s, err := peer.OpenPayload(ctx, h)
	if err != nil {
		t.terminal(id, p.ID, transport.Failure, err)
		return err
	}

	tok := p.Token(id)
	buf := make([]byte, t.opts.ChunkSize)
	var done int64
	for {
		if tok.Canceled() {
			err = errCanceled
			break
		}
		if err = ctx.Err(); err != nil {
			break
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err = s.Write(buf[:n]); err != nil {
				break
			}
			done += int64(n)
			t.emit(transport.TransferProgress{EndpointID: id, PayloadID: p.ID, Done: done, Total: h.Size})
		}
		if errors.Is(rerr, io.EOF) {
			err = nil
			break
		}
		if rerr != nil {
			err = rerr
			break
		}
	}

	if err == nil {
		_ = s.Close()
		t.terminal(id, p.ID, transport.Success, nil)
		return nil
	}
	state, cause := outcome(err)
	s.CancelWrite(resetCode(state))
	t.terminal(id, p.ID, state, cause)
	return cause
}

// pumpStream copies one outgoing stream to every target.
func (t *Transport) pumpStream(ctx context.Context, p *transport.Outgoing, peers map[string]*Peer) {
	h := header(p)

	var mu sync.Mutex
	streams := make(map[string]*quic.Stream, len(peers))
	var g errgroup.Group
	for id, peer := range peers {
		g.Go(func() error {
			s, err := peer.OpenPayload(ctx, h)
			if err != nil {
				t.terminal(id, p.ID, transport.Failure, err)
				return err
			}
			mu.Lock()
			streams[id] = s
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.logger.Warn("Stream not opened to every endpoint", "payload", p.ID, "error", err)
	}

	end := func(id string, state transport.TransferState, code quic.StreamErrorCode, err error) {
		if state == transport.Success {
			_ = streams[id].Close()
		} else {
			streams[id].CancelWrite(code)
		}
		delete(streams, id)
		t.terminal(id, p.ID, state, err)
	}

	done := make(map[string]int64, len(streams))
	buf := make([]byte, t.opts.ChunkSize)
	var bo iox.Backoff
	for len(streams) > 0 {
		for id := range streams {
			if p.Token(id).Canceled() {
				end(id, transport.Canceled, codeCanceled, nil)
			}
		}
		if err := ctx.Err(); err != nil {
			for id := range streams {
				end(id, transport.Failure, codeFailed, err)
			}
			return
		}

		n, err := p.Source.Read(buf)
		if n > 0 {
			bo.Reset()
			for id, s := range streams {
				if _, werr := s.Write(buf[:n]); werr != nil {
					state, cause := outcome(werr)
					end(id, state, resetCode(state), cause)
					continue
				}
				done[id] += int64(n)
				t.emit(transport.TransferProgress{EndpointID: id, PayloadID: p.ID, Done: done[id]})
			}
			continue
		}
		switch {
		case errors.Is(err, io.EOF):
			for id := range streams {
				end(id, transport.Success, 0, nil)
			}
		case iox.IsWouldBlock(err):
			bo.Wait()
		case err != nil:
			for id := range streams {
				end(id, transport.Failure, codeFailed, err)
			}
		}
	}
}

// acceptPayloads serves inbound payload streams until the connection ends.
func (t *Transport) acceptPayloads(l *link) {
	for {
		s, err := l.peer.AcceptPayload(context.Background())
		if err != nil {
			return
		}
		t.spawn(func() { t.receive(l.id, l.peer, s) })
	}
}

func (t *Transport) receive(from string, peer *Peer, s *quic.Stream) {
	h, r, err := peer.ReadHeader(s)
	if err != nil {
		t.logger.Debug("Failed to read payload header", "peer", from, "error", err)
		return
	}

	switch kind := transport.PayloadKind(h.Kind); kind {
	case transport.KindBytes:
		t.receiveBytes(from, h, s, r)
	case transport.KindFile:
		tok := transport.NewCancelToken()
		defer t.watchCancel(s, tok)()
		t.receiveFile(from, h, r, tok)
	case transport.KindStream:
		tok := transport.NewCancelToken()
		defer t.watchCancel(s, tok)()
		t.receiveStream(from, h, r, tok)
	default:
		t.logger.Warn("Unknown payload kind", "peer", from, "kind", kind)
		s.CancelRead(codeFailed)
	}
}

// receiveBytes reads a bytes payload whole. The declared size must be within
// the cap and must match what arrives.
func (t *Transport) receiveBytes(from string, h *protocol.PayloadHeader, s *quic.Stream, r io.Reader) {
	fail := func(err error) {
		s.CancelRead(codeFailed)
		t.logger.Warn("Bytes payload not received", "peer", from, "payload", h.PayloadID, "error", err)
		t.terminal(from, h.PayloadID, transport.Failure, err)
	}
	if h.Size < 0 || h.Size > maxBytesPayload {
		fail(fmt.Errorf("%w: %d bytes, limit %d", errTooLarge, h.Size, maxBytesPayload))
		return
	}

	data, err := io.ReadAll(io.LimitReader(r, h.Size+1))
	if err != nil {
		fail(err)
		return
	}
	if int64(len(data)) != h.Size {
		fail(fmt.Errorf("bytes payload carried %d of %d bytes", len(data), h.Size))
		return
	}
	t.emit(transport.BytesReceived{EndpointID: from, PayloadID: h.PayloadID, Data: data})
}

// watchCancel resets s for reading once tok is cancelled, which also ends a
// Read that is waiting for data. The returned func ends the watch.
func (t *Transport) watchCancel(s *quic.Stream, tok *transport.CancelToken) func() {
	stop := make(chan struct{})
	t.spawn(func() {
		select {
		case <-tok.Done():
			s.CancelRead(codeCanceled)
		case <-stop:
		case <-t.done:
		}
	})
	return func() { close(stop) }
}

func (t *Transport) receiveFile(from string, h *protocol.PayloadHeader, r io.Reader, tok *transport.CancelToken) {
	path := filepath.Join(t.opts.ReceiveDir, fmt.Sprintf("%d-%s", h.PayloadID, filepath.Base(h.Name)))
	t.emit(transport.PayloadReceived{EndpointID: from, PayloadID: h.PayloadID, Kind: transport.KindFile,
		Name: h.Name, Path: path, Size: h.Size, Token: tok})

	if err := os.MkdirAll(t.opts.ReceiveDir, 0o755); err != nil {
		t.terminal(from, h.PayloadID, transport.Failure, err)
		return
	}
	f, err := os.Create(path)
	if err != nil {
		t.terminal(from, h.PayloadID, transport.Failure, err)
		return
	}

	done, err := t.copyChunks(r, tok, func(chunk []byte) error {
		_, err := f.Write(chunk)
		return err
	}, func(done int64) {
		t.emit(transport.TransferProgress{EndpointID: from, PayloadID: h.PayloadID, Done: done, Total: h.Size})
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && done != h.Size {
		err = fmt.Errorf("file truncated at %d of %d bytes", done, h.Size)
	}

	state, err := outcome(err)
	if state != transport.Success {
		_ = os.Remove(path)
	}
	t.terminal(from, h.PayloadID, state, err)
}

func (t *Transport) receiveStream(from string, h *protocol.PayloadHeader, r io.Reader, tok *transport.CancelToken) {
	t.emit(transport.PayloadReceived{EndpointID: from, PayloadID: h.PayloadID, Kind: transport.KindStream,
		Name: h.Name, Token: tok})

	_, err := t.copyChunks(r, tok, func(chunk []byte) error {
		data := make([]byte, len(chunk))
		copy(data, chunk)
		t.emit(transport.StreamChunkReceived{EndpointID: from, PayloadID: h.PayloadID, Data: data})
		return nil
	}, func(done int64) {
		t.emit(transport.TransferProgress{EndpointID: from, PayloadID: h.PayloadID, Done: done})
	})

	state, err := outcome(err)
	t.terminal(from, h.PayloadID, state, err)
}

// copyChunks reads r until EOF, handing each chunk to write and then
// reporting the running total. It stops with errCanceled once tok is
// cancelled.
func (t *Transport) copyChunks(r io.Reader, tok *transport.CancelToken, write func([]byte) error, progress func(int64)) (int64, error) {
	buf := make([]byte, t.opts.ChunkSize)
	var done int64
	for {
		if tok.Canceled() {
			return done, errCanceled
		}
		n, err := r.Read(buf)
		if n > 0 {
			if werr := write(buf[:n]); werr != nil {
				return done, werr
			}
			done += int64(n)
			progress(done)
		}
		if errors.Is(err, io.EOF) {
			return done, nil
		}
		if err != nil {
			return done, err
		}
	}
}

// outcome maps the end of a payload stream to a transfer state. A stream
// reset with codeCanceled by either side counts as cancelled.
func outcome(err error) (transport.TransferState, error) {
	if err == nil {
		return transport.Success, nil
	}
	if errors.Is(err, errCanceled) {
		return transport.Canceled, nil
	}
	var se *quic.StreamError
	if errors.As(err, &se) && se.ErrorCode == codeCanceled {
		return transport.Canceled, nil
	}
	return transport.Failure, err
}

func resetCode(state transport.TransferState) quic.StreamErrorCode {
	if state == transport.Canceled {
		return codeCanceled
	}
	return codeFailed
}

func (t *Transport) terminal(endpointID string, id int64, state transport.TransferState, err error) {
	t.emit(transport.TransferTerminal{EndpointID: endpointID, PayloadID: id, State: state, Err: err})
}
