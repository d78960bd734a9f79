package loopback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"code.hybscloud.com/iox"

	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

// Send starts one goroutine per file target, or a single goroutine for bytes
// and streams that fans out to every target.
func (d *Device) Send(ctx context.Context, p *transport.Outgoing) error {
	m := d.medium
	m.mu.Lock()
	closed := d.closed
	m.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	live := make([]string, 0, len(p.Targets))
	for _, t := range p.Targets {
		if !m.connected(d.id, t) {
			d.emit(transport.TransferTerminal{EndpointID: t, PayloadID: p.ID, State: transport.Failure,
				Err: fmt.Errorf("send to %s: %w", t, transport.ErrNotConnected)})
			continue
		}
		live = append(live, t)
	}
	if len(live) == 0 {
		return nil
	}

	switch p.Kind {
	case transport.KindBytes:
		d.spawn(func() { d.sendBytes(p, live) })
	case transport.KindFile:
		for _, t := range live {
			d.spawn(func() { d.sendFile(ctx, p, t) })
		}
	case transport.KindStream:
		d.spawn(func() { d.pumpStream(ctx, p, live) })
	default:
		return fmt.Errorf("unknown payload kind %v", p.Kind)
	}
	return nil
}

func (d *Device) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Device) sendBytes(p *transport.Outgoing, targets []string) {
	size := int64(len(p.Data))
	for _, t := range targets {
		if p.Token(t).Canceled() {
			d.terminal(t, p.ID, transport.Canceled, nil)
			continue
		}
		r := d.medium.device(t)
		if r == nil || !d.medium.connected(d.id, t) {
			d.terminal(t, p.ID, transport.Failure, transport.ErrNotConnected)
			continue
		}

		data := make([]byte, len(p.Data))
		copy(data, p.Data)
		r.emit(transport.BytesReceived{EndpointID: d.id, PayloadID: p.ID, Data: data})
		d.emit(transport.TransferProgress{EndpointID: t, PayloadID: p.ID, Done: size, Total: size})
		d.terminal(t, p.ID, transport.Success, nil)
	}
}

func (d *Device) sendFile(ctx context.Context, p *transport.Outgoing, target string) {
	r := d.medium.device(target)
	if r == nil {
		d.terminal(target, p.ID, transport.Failure, transport.ErrNotConnected)
		return
	}
	fail := func(err error) {
		d.logger.Warn("File transfer failed", "payload", p.ID, "endpoint", target, "error", err)
		d.terminal(target, p.ID, transport.Failure, err)
		r.terminal(d.id, p.ID, transport.Failure, err)
	}

	src, err := os.Open(p.Path)
	if err != nil {
		fail(err)
		return
	}
	defer src.Close()

	if err := os.MkdirAll(r.receiveDir, 0o755); err != nil {
		fail(err)
		return
	}
	path := filepath.Join(r.receiveDir, fmt.Sprintf("%d-%s", p.ID, filepath.Base(p.Name)))
	dst, err := os.Create(path)
	if err != nil {
		fail(err)
		return
	}
	defer dst.Close()

	rtok := transport.NewCancelToken()
	r.emit(transport.PayloadReceived{EndpointID: d.id, PayloadID: p.ID, Kind: transport.KindFile,
		Name: p.Name, Path: path, Size: p.Size, Token: rtok})

	tok := p.Token(target)
	buf := make([]byte, d.medium.chunkSize)
	var done int64
	for {
		if tok.Canceled() || rtok.Canceled() {
			d.terminal(target, p.ID, transport.Canceled, nil)
			r.terminal(d.id, p.ID, transport.Canceled, nil)
			return
		}
		if err := d.alive(ctx, target); err != nil {
			fail(err)
			return
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				fail(werr)
				return
			}
			done += int64(n)
			d.emit(transport.TransferProgress{EndpointID: target, PayloadID: p.ID, Done: done, Total: p.Size})
			r.emit(transport.TransferProgress{EndpointID: d.id, PayloadID: p.ID, Done: done, Total: p.Size})
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(err)
			return
		}
	}

	d.complete(target, p.ID, done)
	r.complete(d.id, p.ID, done)
}

func (d *Device) pumpStream(ctx context.Context, p *transport.Outgoing, targets []string) {
	live := make(map[string]*Device, len(targets))
	rtoks := make(map[string]*transport.CancelToken, len(targets))
	done := make(map[string]int64, len(targets))
	for _, t := range targets {
		r := d.medium.device(t)
		if r == nil {
			d.terminal(t, p.ID, transport.Failure, transport.ErrNotConnected)
			continue
		}
		live[t] = r
		rtoks[t] = transport.NewCancelToken()
		r.emit(transport.PayloadReceived{EndpointID: d.id, PayloadID: p.ID, Kind: transport.KindStream, Token: rtoks[t]})
	}

	finish := func(state transport.TransferState, err error) {
		for t, r := range live {
			d.terminal(t, p.ID, state, err)
			r.terminal(d.id, p.ID, state, err)
		}
	}

	buf := make([]byte, d.medium.chunkSize)
	var bo iox.Backoff
	for {
		for t, r := range live {
			if p.Token(t).Canceled() || rtoks[t].Canceled() {
				d.terminal(t, p.ID, transport.Canceled, nil)
				r.terminal(d.id, p.ID, transport.Canceled, nil)
				delete(live, t)
			} else if !d.medium.connected(d.id, t) {
				d.terminal(t, p.ID, transport.Failure, transport.ErrNotConnected)
				delete(live, t)
			}
		}
		if len(live) == 0 {
			return
		}
		if err := d.alive(ctx, ""); err != nil {
			finish(transport.Failure, err)
			return
		}

		n, err := p.Source.Read(buf)
		if n > 0 {
			bo.Reset()
			for t, r := range live {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				done[t] += int64(n)
				r.emit(transport.StreamChunkReceived{EndpointID: d.id, PayloadID: p.ID, Data: chunk})
				r.emit(transport.TransferProgress{EndpointID: d.id, PayloadID: p.ID, Done: done[t]})
				d.emit(transport.TransferProgress{EndpointID: t, PayloadID: p.ID, Done: done[t]})
			}
			continue
		}
		switch {
		case errors.Is(err, io.EOF):
			finish(transport.Success, nil)
			return
		case iox.IsWouldBlock(err):
			bo.Wait()
		case err != nil:
			finish(transport.Failure, err)
			return
		}
	}
}

// alive reports why a transfer loop should stop, if it should.
func (d *Device) alive(ctx context.Context, target string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return transport.ErrClosed
	default:
	}
	if target != "" && !d.medium.connected(d.id, target) {
		return transport.ErrNotConnected
	}
	return nil
}

func (d *Device) terminal(endpointID string, id int64, state transport.TransferState, err error) {
	d.emit(transport.TransferTerminal{EndpointID: endpointID, PayloadID: id, State: state, Err: err})
}

// complete reports a finished file the way this device's platform does.
func (d *Device) complete(endpointID string, id int64, done int64) {
	if d.flavor.Capabilities().ZeroTotalMeansComplete {
		d.emit(transport.TransferProgress{EndpointID: endpointID, PayloadID: id, Done: done, Total: 0})
		return
	}
	d.terminal(endpointID, id, transport.Success, nil)
}
