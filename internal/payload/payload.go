// Package payload tracks in-flight transfers of bytes, streams and files,
// one status and cancellation token per endpoint of each payload.
//
// Records live in an arena keyed by payload id and are only mutated through
// that index. Like the session machine, a Manager is driven from the single
// consumer goroutine and is not safe for concurrent use.
package payload

import (
	"math/rand/v2"
	"sort"
	"sync/atomic"

	"github.com/rudransh-shrivastava/nearby/internal/stream"
	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

// NoPayload is returned by sends that had no endpoint to go to.
const NoPayload int64 = 0

// DefaultReadBufferSize bounds each read of an incoming stream.
const DefaultReadBufferSize = 1024

type (
	Kind  = transport.PayloadKind
	State = transport.TransferState
)

const (
	Bytes  = transport.KindBytes
	Stream = transport.KindStream
	File   = transport.KindFile

	InProgress = transport.InProgress
	Success    = transport.Success
	Failure    = transport.Failure
	Canceled   = transport.Canceled
)

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

type Status struct {
	State State
	Done  int64
	Total int64
}

// Info describes a payload independently of its endpoints.
type Info struct {
	ID        int64
	Kind      Kind
	Direction Direction
	Name      string
	Path      string
	Size      int64
}

// Transfer is a snapshot of a payload and every endpoint status.
type Transfer struct {
	Info
	Endpoints map[string]Status
}

// Done reports whether every endpoint reached a terminal state.
func (t Transfer) Done() bool {
	for _, st := range t.Endpoints {
		if !st.State.Terminal() {
			return false
		}
	}
	return true
}

var lastID atomic.Int64

func init() {
	lastID.Store(rand.Int64N(1 << 62))
}

// NextID returns a process-unique, monotonically increasing payload id. The
// sequence starts at a random offset so ids from different peers are
// unlikely to collide.
func NextID() int64 {
	for {
		id := lastID.Add(1)
		if id != NoPayload {
			return id
		}
	}
}

type leg struct {
	status Status
	token  *transport.CancelToken
	in     *stream.Paired
}

type record struct {
	info Info
	legs map[string]*leg
	out  *stream.Paired
}

func (r *record) snapshot() Transfer {
	t := Transfer{Info: r.info, Endpoints: make(map[string]Status, len(r.legs))}
	for ep, l := range r.legs {
		t.Endpoints[ep] = l.status
	}
	return t
}

func (r *record) settled() bool {
	for _, l := range r.legs {
		if !l.status.State.Terminal() {
			return false
		}
	}
	return true
}

func (r *record) endpoints() []string {
	eps := make([]string, 0, len(r.legs))
	for ep := range r.legs {
		eps = append(eps, ep)
	}
	sort.Strings(eps)
	return eps
}
