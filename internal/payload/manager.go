package payload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"code.hybscloud.com/iox"

	"github.com/rudransh-shrivastava/nearby/internal/registry"
	"github.com/rudransh-shrivastava/nearby/internal/stream"
	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

var (
	ErrNotFile      = errors.New("not a regular file")
	ErrEndpointGone = errors.New("endpoint disconnected")
)

// Sender starts outgoing transfers.
type Sender interface {
	Send(ctx context.Context, p *transport.Outgoing) error
}

// Peers answers which endpoints are connected.
type Peers interface {
	IsEstablished(id string) bool
	Established() []registry.Endpoint
}

type Notifier interface {
	BytesReceived(endpointID string, payloadID int64, data []byte)
	StreamData(endpointID string, payloadID int64, data []byte)
	TransferStarted(endpointID string, info Info)
	TransferUpdate(endpointID string, info Info, st Status)
	TransferFinished(endpointID string, info Info, st Status, err error)
}

type Options struct {
	Capabilities   transport.Capabilities
	ReadBufferSize int
	StreamCapacity int
	Logger         *slog.Logger
}

type Manager struct {
	sender  Sender
	peers   Peers
	notify  Notifier
	caps    transport.Capabilities
	readBuf []byte
	capac   int
	logger  *slog.Logger

	records map[int64]*record
}

func NewManager(sender Sender, peers Peers, notify Notifier, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.ReadBufferSize
	if size <= 0 {
		size = DefaultReadBufferSize
	}
	return &Manager{
		sender:  sender,
		peers:   peers,
		notify:  notify,
		caps:    opts.Capabilities,
		readBuf: make([]byte, size),
		capac:   opts.StreamCapacity,
		logger:  logger.With("component", "payload"),
		records: make(map[int64]*record),
	}
}

// SendBytes sends data to targets, or to every connected endpoint when
// targets is empty. It returns NoPayload when nobody is connected.
func (m *Manager) SendBytes(ctx context.Context, data []byte, targets []string) (int64, error) {
	eps := m.resolve(targets)
	if len(eps) == 0 {
		m.logger.Debug("No connected endpoint, bytes not sent")
		return NoPayload, nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	rec := m.newOutgoing(Info{Kind: Bytes, Size: int64(len(buf))}, eps)
	out := m.outgoing(rec)
	out.Data = buf
	m.start(ctx, rec, out)
	return rec.info.ID, nil
}

// SendStream opens a stream payload and returns its write end. Bytes are
// forwarded to the targets as they are written; closing the writer ends the
// stream.
func (m *Manager) SendStream(ctx context.Context, targets []string) (int64, *stream.Writer, error) {
	eps := m.resolve(targets)
	if len(eps) == 0 {
		m.logger.Debug("No connected endpoint, stream not opened")
		return NoPayload, nil, nil
	}

	rec := m.newOutgoing(Info{Kind: Stream}, eps)
	rec.out = stream.New(m.capac)
	out := m.outgoing(rec)
	out.Source = rec.out.Reader()
	m.start(ctx, rec, out)
	return rec.info.ID, rec.out.Writer(), nil
}

// SendFile streams the file at path. name defaults to the base name of path.
func (m *Manager) SendFile(ctx context.Context, path, name string, targets []string) (int64, error) {
	eps := m.resolve(targets)
	if len(eps) == 0 {
		m.logger.Debug("No connected endpoint, file not sent", "path", path)
		return NoPayload, nil
	}

	fi, err := os.Stat(path)
	if err != nil {
		return NoPayload, fmt.Errorf("send file: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return NoPayload, fmt.Errorf("send file %s: %w", path, ErrNotFile)
	}
	if name == "" {
		name = filepath.Base(path)
	}

	rec := m.newOutgoing(Info{Kind: File, Path: path, Name: name, Size: fi.Size()}, eps)
	out := m.outgoing(rec)
	out.Path = path
	out.Name = name
	out.Size = fi.Size()
	m.start(ctx, rec, out)
	return rec.info.ID, nil
}

func (m *Manager) resolve(targets []string) []string {
	if len(targets) == 0 {
		established := m.peers.Established()
		eps := make([]string, 0, len(established))
		for _, ep := range established {
			eps = append(eps, ep.ID)
		}
		return eps
	}

	seen := make(map[string]bool, len(targets))
	eps := make([]string, 0, len(targets))
	for _, id := range targets {
		if seen[id] {
			continue
		}
		seen[id] = true
		if !m.peers.IsEstablished(id) {
			m.logger.Warn("Skipping target that is not connected", "endpoint", id)
			continue
		}
		eps = append(eps, id)
	}
	return eps
}

func (m *Manager) newOutgoing(info Info, eps []string) *record {
	info.ID = NextID()
	info.Direction = Outgoing
	rec := &record{info: info, legs: make(map[string]*leg, len(eps))}

	for _, ep := range eps {
		rec.legs[ep] = &leg{
			status: Status{State: InProgress, Total: info.Size},
			token:  transport.NewCancelToken(),
		}
	}
	m.records[info.ID] = rec
	return rec
}

func (m *Manager) outgoing(rec *record) *transport.Outgoing {
	out := &transport.Outgoing{
		ID:      rec.info.ID,
		Kind:    rec.info.Kind,
		Targets: rec.endpoints(),
		Tokens:  make(map[string]*transport.CancelToken, len(rec.legs)),
	}
	for ep, l := range rec.legs {
		out.Tokens[ep] = l.token
	}
	return out
}

func (m *Manager) start(ctx context.Context, rec *record, out *transport.Outgoing) {
	m.logger.Info("Sending payload", "payload", rec.info.ID, "kind", rec.info.Kind, "targets", out.Targets)
	if err := m.sender.Send(ctx, out); err != nil {
		m.logger.Error("Send failed", "payload", rec.info.ID, "error", err)
		for _, ep := range out.Targets {
			m.finish(rec, ep, rec.legs[ep], Failure, err)
		}
	}
}

// Cancel signals the cancellation token of each in-progress copy of the
// payload, restricted to endpointIDs when given. Incoming copies can be
// cancelled once the transport has announced them with a token. The status
// only changes once the transport reports the cancellation. It returns the
// number of copies signalled.
func (m *Manager) Cancel(id int64, endpointIDs ...string) int {
	rec, ok := m.records[id]
	if !ok {
		m.logger.Warn("Cancel for unknown payload", "payload", id)
		return 0
	}

	eps := endpointIDs
	if len(eps) == 0 {
		eps = rec.endpoints()
	}

	n := 0
	for _, ep := range eps {
		l, ok := rec.legs[ep]
		if !ok || l.status.State.Terminal() || l.token == nil {
			continue
		}
		if l.token.Cancel() {
			n++
		}
	}
	m.logger.Info("Cancel requested", "payload", id, "signalled", n)
	return n
}

// BytesReceived completes an incoming bytes payload.
func (m *Manager) BytesReceived(endpointID string, id int64, data []byte) {
	rec, l := m.incoming(endpointID, Info{ID: id, Kind: Bytes, Size: int64(len(data))})
	if l.status.State.Terminal() {
		m.logger.Debug("Bytes for finished payload ignored", "payload", id, "endpoint", endpointID)
		return
	}

	m.notify.BytesReceived(endpointID, id, data)
	size := int64(len(data))
	l.status.Done, l.status.Total = size, size
	m.finish(rec, endpointID, l, Success, nil)
}

// PayloadReceived opens an incoming stream or file.
func (m *Manager) PayloadReceived(ev transport.PayloadReceived) {
	info := Info{ID: ev.PayloadID, Kind: ev.Kind, Name: ev.Name, Path: ev.Path, Size: ev.Size}
	rec, l := m.incoming(ev.EndpointID, info)
	if ev.Path != "" {
		rec.info.Path = ev.Path
	}
	if ev.Name != "" {
		rec.info.Name = ev.Name
	}
	if ev.Size > 0 {
		l.status.Total = ev.Size
	}
	if l.token == nil && !l.status.State.Terminal() {
		l.token = ev.Token
	}
}

// StreamChunk queues bytes of an incoming stream. When the queue is full,
// queued bytes are forwarded first so nothing is dropped.
func (m *Manager) StreamChunk(endpointID string, id int64, data []byte) {
	_, l := m.incoming(endpointID, Info{ID: id, Kind: Stream})
	if l.status.State.Terminal() || l.in == nil {
		m.logger.Debug("Chunk for finished stream dropped", "payload", id, "endpoint", endpointID)
		return
	}

	w := l.in.Writer()
	for {
		_, err := w.TryWrite(data)
		if err == nil {
			return
		}
		if !iox.IsWouldBlock(err) {
			m.logger.Error("Stream enqueue failed", "payload", id, "error", err)
			return
		}
		if !m.forward(endpointID, id, l) {
			// nothing readable yet the queue is full; the writer end has
			// been closed underneath us
			return
		}
	}
}

// Progress applies a progress report. For incoming streams each report
// forwards at most one read of queued data.
func (m *Manager) Progress(endpointID string, id int64, done, total int64) {
	rec, ok := m.records[id]
	if !ok {
		m.logger.Debug("Progress for unknown payload", "payload", id, "endpoint", endpointID)
		return
	}
	l, ok := rec.legs[endpointID]
	if !ok || l.status.State.Terminal() {
		m.logger.Debug("Progress after terminal status ignored", "payload", id, "endpoint", endpointID)
		return
	}

	if rec.info.Kind == File && total == 0 && m.caps.ZeroTotalMeansComplete {
		m.finish(rec, endpointID, l, Success, nil)
		return
	}

	if done > l.status.Done {
		l.status.Done = done
	}
	if total > 0 {
		l.status.Total = total
	}
	if l.in != nil {
		m.forward(endpointID, id, l)
	}
	m.notify.TransferUpdate(endpointID, rec.info, l.status)
}

// Terminal applies the final status for one endpoint. Later reports for the
// same endpoint are ignored.
func (m *Manager) Terminal(endpointID string, id int64, state State, err error) {
	rec, ok := m.records[id]
	if !ok {
		m.logger.Debug("Terminal status for unknown payload", "payload", id, "endpoint", endpointID)
		return
	}
	l, ok := rec.legs[endpointID]
	if !ok || l.status.State.Terminal() {
		m.logger.Debug("Duplicate terminal status ignored", "payload", id, "endpoint", endpointID, "state", state)
		return
	}
	if !state.Terminal() {
		m.logger.Warn("Non terminal state reported as terminal", "payload", id, "state", state)
		return
	}
	m.finish(rec, endpointID, l, state, err)
}

// EndpointGone fails every in-progress copy of a payload exchanged with an
// endpoint that disconnected.
func (m *Manager) EndpointGone(endpointID string) int {
	n := 0
	for _, id := range m.ids() {
		rec := m.records[id]
		l, ok := rec.legs[endpointID]
		if !ok || l.status.State.Terminal() {
			continue
		}
		if l.token != nil {
			l.token.Cancel()
		}
		m.finish(rec, endpointID, l, Failure, ErrEndpointGone)
		n++
	}
	return n
}

func (m *Manager) incoming(endpointID string, info Info) (*record, *leg) {
	rec, ok := m.records[info.ID]
	if !ok {
		info.Direction = Incoming
		rec = &record{info: info, legs: make(map[string]*leg, 1)}
		m.records[info.ID] = rec
	} else if rec.info.Direction != Incoming {
		m.logger.Warn("Incoming payload id collides with an outgoing one", "payload", info.ID)
	}

	l, ok := rec.legs[endpointID]
	if ok {
		return rec, l
	}

	l = &leg{status: Status{State: InProgress, Total: rec.info.Size}}
	if rec.info.Kind == Stream {
		l.in = stream.New(m.capac)
	}
	rec.legs[endpointID] = l

	m.logger.Info("Receiving payload", "payload", info.ID, "kind", rec.info.Kind, "endpoint", endpointID)
	m.notify.TransferStarted(endpointID, rec.info)
	return rec, l
}

// forward performs one bounded read of an incoming stream and hands any
// bytes to the notifier. It reports whether bytes were read.
func (m *Manager) forward(endpointID string, id int64, l *leg) bool {
	n, err := l.in.Reader().Read(m.readBuf)
	if n > 0 {
		data := make([]byte, n)
		copy(data, m.readBuf[:n])
		m.notify.StreamData(endpointID, id, data)
		return true
	}
	if err != nil && !iox.IsWouldBlock(err) {
		m.logger.Debug("Stream read finished", "payload", id, "error", err)
	}
	return false
}

func (m *Manager) finish(rec *record, endpointID string, l *leg, state State, err error) {
	if l.in != nil {
		if state == Success {
			_ = l.in.Writer().Close()
			for {
				if !m.forward(endpointID, rec.info.ID, l) {
					break
				}
			}
		}
		l.in.Close()
	}

	l.status.State = state
	if state == Success && l.status.Total > 0 {
		l.status.Done = l.status.Total
	}
	l.token = nil

	m.logger.Info("Payload finished", "payload", rec.info.ID, "endpoint", endpointID, "state", state)
	m.notify.TransferFinished(endpointID, rec.info, l.status, err)

	if rec.out != nil && rec.settled() {
		rec.out.Close()
	}
}

func (m *Manager) ids() []int64 {
	ids := make([]int64, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) Transfer(id int64) (Transfer, bool) {
	rec, ok := m.records[id]
	if !ok {
		return Transfer{}, false
	}
	return rec.snapshot(), true
}

func (m *Manager) Transfers() []Transfer {
	out := make([]Transfer, 0, len(m.records))
	for _, id := range m.ids() {
		out = append(out, m.records[id].snapshot())
	}
	return out
}

func (m *Manager) Status(id int64, endpointID string) (Status, bool) {
	rec, ok := m.records[id]
	if !ok {
		return Status{}, false
	}
	l, ok := rec.legs[endpointID]
	if !ok {
		return Status{}, false
	}
	return l.status, true
}

// Evict drops a payload record. In-progress copies are cancelled first.
func (m *Manager) Evict(id int64) bool {
	rec, ok := m.records[id]
	if !ok {
		return false
	}
	for _, l := range rec.legs {
		if l.token != nil {
			l.token.Cancel()
		}
		if l.in != nil {
			l.in.Close()
		}
	}
	if rec.out != nil {
		rec.out.Close()
	}
	delete(m.records, id)
	return true
}

// EvictTerminal drops every payload whose copies all reached a terminal
// state and returns how many were dropped.
func (m *Manager) EvictTerminal() int {
	n := 0
	for id, rec := range m.records {
		if rec.settled() {
			delete(m.records, id)
			n++
		}
	}
	return n
}

func (m *Manager) Len() int {
	return len(m.records)
}
