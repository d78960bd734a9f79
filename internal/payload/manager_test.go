package payload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rudransh-shrivastava/nearby/internal/logger"
	"github.com/rudransh-shrivastava/nearby/internal/registry"
	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

type fakeSender struct {
	sent []*transport.Outgoing
	err  error
}

func (f *fakeSender) Send(_ context.Context, p *transport.Outgoing) error {
	f.sent = append(f.sent, p)
	return f.err
}

type fakePeers struct {
	connected []string
}

func (f *fakePeers) IsEstablished(id string) bool {
	for _, c := range f.connected {
		if c == id {
			return true
		}
	}
	return false
}

func (f *fakePeers) Established() []registry.Endpoint {
	out := make([]registry.Endpoint, 0, len(f.connected))
	for _, c := range f.connected {
		out = append(out, registry.Endpoint{ID: c})
	}
	return out
}

type finished struct {
	endpoint string
	id       int64
	state    State
	err      error
}

type recorder struct {
	bytes    [][]byte
	stream   bytes.Buffer
	reads    int
	started  []string
	updates  []Status
	finished []finished
}

func (r *recorder) BytesReceived(_ string, _ int64, data []byte) {
	r.bytes = append(r.bytes, data)
}

func (r *recorder) StreamData(_ string, _ int64, data []byte) {
	r.reads++
	r.stream.Write(data)
}

func (r *recorder) TransferStarted(ep string, info Info) {
	r.started = append(r.started, fmt.Sprintf("%s:%d", ep, info.ID))
}

func (r *recorder) TransferUpdate(_ string, _ Info, st Status) {
	r.updates = append(r.updates, st)
}

func (r *recorder) TransferFinished(ep string, info Info, st Status, err error) {
	r.finished = append(r.finished, finished{endpoint: ep, id: info.ID, state: st.State, err: err})
}

func setupManager(t *testing.T, opts Options, connected ...string) (*Manager, *fakeSender, *recorder) {
	t.Helper()
	sender := &fakeSender{}
	rec := &recorder{}
	opts.Logger = logger.Discard()
	m := NewManager(sender, &fakePeers{connected: connected}, rec, opts)
	return m, sender, rec
}

func TestNextIDMonotonic(t *testing.T) {
	prev := NextID()
	for i := 0; i < 1000; i++ {
		id := NextID()
		if id <= prev || id == NoPayload {
			t.Fatalf("expected increasing non-zero ids, got %d after %d", id, prev)
		}
		prev = id
	}
}

func TestSendBytesNoPeers(t *testing.T) {
	m, sender, _ := setupManager(t, Options{})

	id, err := m.SendBytes(context.Background(), []byte("hello"), nil)
	if err != nil {
		t.Fatalf("SendBytes failed: %v", err)
	}
	if id != NoPayload {
		t.Errorf("expected NoPayload, got %d", id)
	}
	if m.Len() != 0 || len(sender.sent) != 0 {
		t.Error("expected no record and no transport call")
	}
}

func TestSendBytesSuccessScenario(t *testing.T) {
	m, sender, rec := setupManager(t, Options{}, "E1")

	id, err := m.SendBytes(context.Background(), []byte("hello"), nil)
	if err != nil {
		t.Fatalf("SendBytes failed: %v", err)
	}
	if id == NoPayload {
		t.Fatal("expected a payload id")
	}

	st, ok := m.Status(id, "E1")
	if !ok || st.State != InProgress {
		t.Fatalf("expected in progress, got %+v", st)
	}
	if len(sender.sent) != 1 || string(sender.sent[0].Data) != "hello" {
		t.Fatalf("unexpected outgoing %+v", sender.sent)
	}

	m.Terminal("E1", id, Success, nil)

	st, _ = m.Status(id, "E1")
	if st.State != Success {
		t.Fatalf("expected success, got %v", st.State)
	}
	if len(rec.finished) != 1 {
		t.Errorf("expected one terminal notification, got %d", len(rec.finished))
	}
}

func TestSendDropsUnconnectedTargets(t *testing.T) {
	m, sender, _ := setupManager(t, Options{}, "E1", "E2")

	id, _ := m.SendBytes(context.Background(), []byte("x"), []string{"E2", "ghost", "E2"})
	tr, ok := m.Transfer(id)
	if !ok {
		t.Fatal("expected transfer record")
	}
	if len(tr.Endpoints) != 1 {
		t.Fatalf("expected a single endpoint, got %v", tr.Endpoints)
	}
	if sender.sent[0].Targets[0] != "E2" {
		t.Errorf("expected E2 targeted, got %v", sender.sent[0].Targets)
	}

	id, _ = m.SendBytes(context.Background(), []byte("x"), []string{"ghost"})
	if id != NoPayload {
		t.Errorf("expected NoPayload for unknown-only targets, got %d", id)
	}
}

func TestSendBytesCopiesBuffer(t *testing.T) {
	m, sender, _ := setupManager(t, Options{}, "E1")

	data := []byte("abc")
	_, _ = m.SendBytes(context.Background(), data, nil)
	data[0] = 'z'

	if string(sender.sent[0].Data) != "abc" {
		t.Errorf("expected outgoing data to be a copy, got %q", sender.sent[0].Data)
	}
}

func TestTerminalDeliveredOnce(t *testing.T) {
	m, _, rec := setupManager(t, Options{}, "E1", "E2")

	id, _ := m.SendBytes(context.Background(), []byte("hello"), nil)
	m.Terminal("E1", id, Canceled, nil)
	m.Terminal("E1", id, Success, nil)
	m.Progress("E1", id, 3, 5)
	m.Terminal("E2", id, Success, nil)

	if len(rec.finished) != 2 {
		t.Fatalf("expected two terminal notifications, got %+v", rec.finished)
	}
	if st, _ := m.Status(id, "E1"); st.State != Canceled {
		t.Errorf("expected E1 to stay canceled, got %v", st.State)
	}
	if len(rec.updates) != 0 {
		t.Errorf("expected no updates after terminal, got %v", rec.updates)
	}
}

func TestCancelIsCooperative(t *testing.T) {
	m, sender, _ := setupManager(t, Options{}, "E1", "E2")

	id, _ := m.SendBytes(context.Background(), []byte("hello"), nil)
	out := sender.sent[0]

	if n := m.Cancel(id, "E1"); n != 1 {
		t.Fatalf("expected one copy signalled, got %d", n)
	}
	if !out.Tokens["E1"].Canceled() || out.Tokens["E2"].Canceled() {
		t.Fatal("expected only the E1 token to be cancelled")
	}
	if st, _ := m.Status(id, "E1"); st.State != InProgress {
		t.Errorf("expected status unchanged until transport reports, got %v", st.State)
	}

	if n := m.Cancel(id); n != 1 {
		t.Errorf("expected the remaining copy signalled, got %d", n)
	}
	if m.Cancel(12345) != 0 {
		t.Error("expected cancel of unknown payload to signal nothing")
	}
}

func TestSendFailureMarksFailure(t *testing.T) {
	m, sender, rec := setupManager(t, Options{}, "E1")
	sender.err = errors.New("radio off")

	id, err := m.SendBytes(context.Background(), []byte("hello"), nil)
	if err != nil {
		t.Fatalf("expected failure as status, got %v", err)
	}
	if st, _ := m.Status(id, "E1"); st.State != Failure {
		t.Fatalf("expected failure, got %v", st.State)
	}
	if len(rec.finished) != 1 || rec.finished[0].err == nil {
		t.Errorf("expected failure notification with cause, got %+v", rec.finished)
	}
}

func TestSendFileValidation(t *testing.T) {
	m, sender, _ := setupManager(t, Options{}, "E1")

	if _, err := m.SendFile(context.Background(), t.TempDir(), "", nil); !errors.Is(err, ErrNotFile) {
		t.Fatalf("expected ErrNotFile for a directory, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	id, err := m.SendFile(context.Background(), path, "", nil)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	out := sender.sent[0]
	if out.Name != "notes.txt" || out.Size != 7 || out.Kind != File {
		t.Errorf("unexpected outgoing file %+v", out)
	}
	if st, _ := m.Status(id, "E1"); st.Total != 7 {
		t.Errorf("expected total 7, got %d", st.Total)
	}
}

func TestSendFileWithoutPeersSkipsPath(t *testing.T) {
	m, sender, _ := setupManager(t, Options{})

	id, err := m.SendFile(context.Background(), filepath.Join(t.TempDir(), "missing.bin"), "", nil)
	if err != nil || id != NoPayload {
		t.Fatalf("expected NoPayload and no error, got %d, %v", id, err)
	}
	if len(sender.sent) != 0 {
		t.Error("expected no transport call")
	}
}

func TestCancelIncoming(t *testing.T) {
	m, _, rec := setupManager(t, Options{})
	tok := transport.NewCancelToken()
	m.PayloadReceived(transport.PayloadReceived{EndpointID: "E1", PayloadID: 77, Kind: File, Name: "a.bin", Size: 10, Token: tok})
	m.Progress("E1", 77, 4, 10)

	if n := m.Cancel(77); n != 1 {
		t.Fatalf("expected the incoming copy signalled, got %d", n)
	}
	if !tok.Canceled() {
		t.Fatal("expected the transport token to be cancelled")
	}
	if st, _ := m.Status(77, "E1"); st.State != InProgress {
		t.Errorf("expected status unchanged until transport reports, got %v", st.State)
	}

	m.Terminal("E1", 77, Canceled, nil)
	if len(rec.finished) != 1 || rec.finished[0].state != Canceled {
		t.Fatalf("expected one canceled notification, got %+v", rec.finished)
	}
	if n := m.Cancel(77); n != 0 {
		t.Errorf("expected finished copy not signalled again, got %d", n)
	}
}

func TestCancelIncomingWithoutToken(t *testing.T) {
	m, _, _ := setupManager(t, Options{})
	m.PayloadReceived(transport.PayloadReceived{EndpointID: "E1", PayloadID: 78, Kind: Stream})

	if n := m.Cancel(78); n != 0 {
		t.Errorf("expected nothing to signal, got %d", n)
	}
}

func TestEndpointGoneCancelsIncoming(t *testing.T) {
	m, _, _ := setupManager(t, Options{})
	tok := transport.NewCancelToken()
	m.PayloadReceived(transport.PayloadReceived{EndpointID: "E1", PayloadID: 79, Kind: Stream, Token: tok})

	if n := m.EndpointGone("E1"); n != 1 {
		t.Fatalf("expected one copy failed, got %d", n)
	}
	if !tok.Canceled() {
		t.Error("expected the receive to be abandoned")
	}
}

func TestZeroTotalShim(t *testing.T) {
	m, _, _ := setupManager(t, Options{})
	m.PayloadReceived(transport.PayloadReceived{EndpointID: "E1", PayloadID: 7, Kind: File, Name: "a.bin", Size: 10})

	m.Progress("E1", 7, 0, 0)
	if st, _ := m.Status(7, "E1"); st.State != InProgress {
		t.Fatalf("expected zero total ignored without the capability, got %v", st.State)
	}

	shim, _, _ := setupManager(t, Options{Capabilities: transport.Capabilities{ZeroTotalMeansComplete: true}})
	shim.PayloadReceived(transport.PayloadReceived{EndpointID: "E1", PayloadID: 7, Kind: File, Name: "a.bin", Size: 10})

	shim.Progress("E1", 7, 4, 10)
	shim.Progress("E1", 7, 0, 0)
	st, _ := shim.Status(7, "E1")
	if st.State != Success || st.Done != 10 {
		t.Fatalf("expected success with full progress, got %+v", st)
	}
}

func TestIncomingBytes(t *testing.T) {
	m, _, rec := setupManager(t, Options{})

	m.BytesReceived("E1", 99, []byte("hi"))
	m.Terminal("E1", 99, Success, nil)

	if len(rec.bytes) != 1 || string(rec.bytes[0]) != "hi" {
		t.Fatalf("unexpected bytes %v", rec.bytes)
	}
	tr, _ := m.Transfer(99)
	if tr.Direction != Incoming || tr.Endpoints["E1"].State != Success {
		t.Errorf("unexpected transfer %+v", tr)
	}
	if len(rec.finished) != 1 {
		t.Errorf("expected a single terminal notification, got %d", len(rec.finished))
	}
}

func TestIncomingStreamReadsOncePerTick(t *testing.T) {
	m, _, rec := setupManager(t, Options{ReadBufferSize: 4})
	m.PayloadReceived(transport.PayloadReceived{EndpointID: "E1", PayloadID: 5, Kind: Stream})

	m.StreamChunk("E1", 5, []byte("abcdefgh"))
	m.Progress("E1", 5, 8, 0)

	if rec.stream.String() != "abcd" || rec.reads != 1 {
		t.Fatalf("expected a single bounded read, got %q after %d reads", rec.stream.String(), rec.reads)
	}

	m.StreamChunk("E1", 5, []byte("ij"))
	m.Terminal("E1", 5, Success, nil)

	if rec.stream.String() != "abcdefghij" {
		t.Fatalf("expected remainder drained on success, got %q", rec.stream.String())
	}
	if len(rec.finished) != 1 || rec.finished[0].state != Success {
		t.Errorf("unexpected terminal notifications %+v", rec.finished)
	}
}

func TestIncomingStreamBackPressureKeepsBytes(t *testing.T) {
	m, _, rec := setupManager(t, Options{ReadBufferSize: 64, StreamCapacity: 2})
	m.PayloadReceived(transport.PayloadReceived{EndpointID: "E1", PayloadID: 6, Kind: Stream})

	var want bytes.Buffer
	for i := 0; i < 50; i++ {
		chunk := []byte(fmt.Sprintf("chunk-%02d;", i))
		want.Write(chunk)
		m.StreamChunk("E1", 6, chunk)
	}
	m.Terminal("E1", 6, Success, nil)

	if !bytes.Equal(rec.stream.Bytes(), want.Bytes()) {
		t.Fatalf("stream mismatch: got %q", rec.stream.String())
	}
}

func TestEndpointGoneFailsInProgress(t *testing.T) {
	m, sender, rec := setupManager(t, Options{}, "E1", "E2")

	id, _ := m.SendBytes(context.Background(), []byte("hello"), nil)
	m.Terminal("E2", id, Success, nil)

	if n := m.EndpointGone("E1"); n != 1 {
		t.Fatalf("expected one copy failed, got %d", n)
	}
	if !sender.sent[0].Tokens["E1"].Canceled() {
		t.Error("expected the transport loop to be told to stop")
	}
	if st, _ := m.Status(id, "E1"); st.State != Failure {
		t.Errorf("expected failure, got %v", st.State)
	}
	if st, _ := m.Status(id, "E2"); st.State != Success {
		t.Errorf("expected E2 unaffected, got %v", st.State)
	}
	if !errors.Is(rec.finished[len(rec.finished)-1].err, ErrEndpointGone) {
		t.Errorf("expected ErrEndpointGone, got %v", rec.finished[len(rec.finished)-1].err)
	}
}

func TestOutgoingStreamClosesWhenSettled(t *testing.T) {
	m, sender, _ := setupManager(t, Options{}, "E1")

	id, w, err := m.SendStream(context.Background(), nil)
	if err != nil || w == nil {
		t.Fatalf("SendStream failed: %v", err)
	}
	if _, err := w.Write([]byte("data")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	src := sender.sent[0].Source
	buf := make([]byte, 16)
	if n, _ := src.Read(buf); string(buf[:n]) != "data" {
		t.Fatalf("expected transport to read written bytes, got %q", buf[:n])
	}

	m.Terminal("E1", id, Canceled, nil)
	if _, err := src.Read(buf); err == nil {
		t.Error("expected source to be closed after the last copy settled")
	}
}

func TestEviction(t *testing.T) {
	m, _, _ := setupManager(t, Options{}, "E1")

	done, _ := m.SendBytes(context.Background(), []byte("a"), nil)
	live, _ := m.SendBytes(context.Background(), []byte("b"), nil)
	m.Terminal("E1", done, Success, nil)

	if n := m.EvictTerminal(); n != 1 {
		t.Fatalf("expected one record evicted, got %d", n)
	}
	if _, ok := m.Transfer(done); ok {
		t.Error("expected finished payload evicted")
	}
	if !m.Evict(live) {
		t.Fatal("expected live payload evicted")
	}
	if m.Len() != 0 {
		t.Errorf("expected empty arena, got %d", m.Len())
	}
}
