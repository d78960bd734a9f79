// Package loopback is an in-process radio medium. Devices attached to the
// same Medium discover each other, connect and exchange payloads without any
// I/O, which makes it the transport of choice for tests and demos.
//
// Each Device emulates one platform flavour. Android devices require both
// sides to approve a connection and report explicit success for files.
// Apple devices approve implicitly when they initiate, and signal file
// completion with a progress update whose total is zero.
package loopback

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

type Flavor int

const (
	Android Flavor = iota
	Apple
)

func (f Flavor) String() string {
	if f == Apple {
		return "apple"
	}
	return "android"
}

func (f Flavor) Capabilities() transport.Capabilities {
	if f == Apple {
		return transport.Capabilities{Platform: "apple", ZeroTotalMeansComplete: true}
	}
	return transport.Capabilities{Platform: "android", InitiatorAccepts: true}
}

const DefaultChunkSize = 4096

type Options struct {
	ChunkSize int
	Logger    *slog.Logger
}

// Medium connects Devices. All link state lives here under one lock; events
// are collected while it is held and delivered after it is released.
type Medium struct {
	mu      sync.Mutex
	devices map[string]*Device
	links   map[linkKey]*link

	chunkSize int
	logger    *slog.Logger
}

type linkKey struct {
	a, b string
}

func keyOf(x, y string) linkKey {
	if x > y {
		x, y = y, x
	}
	return linkKey{a: x, b: y}
}

type link struct {
	initiator string
	accepted  map[string]bool
	connected bool
	code      string
}

type delivery struct {
	to *Device
	ev transport.Event
}

func NewMedium(opts Options) *Medium {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Medium{
		devices:   make(map[string]*Device),
		links:     make(map[linkKey]*link),
		chunkSize: size,
		logger:    logger.With("component", "loopback"),
	}
}

// NewDevice attaches a device. Received files are written under receiveDir.
func (m *Medium) NewDevice(flavor Flavor, receiveDir string) *Device {
	d := &Device{
		id:         newEndpointID(),
		flavor:     flavor,
		medium:     m,
		receiveDir: receiveDir,
		done:       make(chan struct{}),
	}
	d.logger = m.logger.With("device", d.id, "flavor", flavor)

	m.mu.Lock()
	m.devices[d.id] = d
	m.mu.Unlock()
	return d
}

func newEndpointID() string {
	return uuid.NewString()[:8]
}

func (m *Medium) deliver(out []delivery) {
	for _, d := range out {
		d.to.emit(d.ev)
	}
}

// peersLocked returns every other device sorted by id. m.mu must be held.
func (m *Medium) peersLocked(self string) []*Device {
	out := make([]*Device, 0, len(m.devices))
	for id, d := range m.devices {
		if id != self {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Medium) linkLocked(x, y string) *link {
	return m.links[keyOf(x, y)]
}

func (m *Medium) connected(x, y string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.linkLocked(x, y)
	return l != nil && l.connected
}

func (m *Medium) device(id string) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[id]
}
