package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/rudransh-shrivastava/nearby/internal/protocol"
	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

// StartAdvertising opens the QUIC listener if needed and starts beaconing.
// An active advertisement is replaced.
func (t *Transport) StartAdvertising(_ context.Context, localName, serviceID string, s transport.Strategy) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	if t.stopAdv != nil {
		t.stopAdv()
		t.stopAdv = nil
	}

	if t.listener == nil {
		ln, err := quic.ListenAddr(t.opts.ListenAddr, t.tlsConf, quicConfig())
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("listen on %s: %w", t.opts.ListenAddr, err)
		}
		t.listener = ln
		t.spawn(func() { t.acceptLoop(ln) })
	}
	port := t.listener.Addr().(*net.UDPAddr).Port

	target := net.JoinHostPort(t.opts.BroadcastAddr, strconv.Itoa(t.opts.BeaconPort))
	conn, err := net.Dial("udp4", target)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("beacon socket %s: %w", target, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.stopAdv = cancel
	t.advService = serviceID
	beacon := &protocol.Beacon{EndpointID: t.id, Name: localName, ServiceID: serviceID, Port: uint16(port)}
	t.spawn(func() { t.beaconLoop(ctx, conn, beacon) })
	t.mu.Unlock()

	t.logger.Info("Advertising", "name", localName, "service", serviceID, "strategy", s, "port", port)
	t.emit(transport.AdvertisingStarted{})
	return nil
}

// StopAdvertising stops beaconing and refuses new connection requests.
// Established connections are kept.
func (t *Transport) StopAdvertising() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopAdv != nil {
		t.stopAdv()
		t.stopAdv = nil
	}
	return nil
}

func (t *Transport) beaconLoop(ctx context.Context, conn net.Conn, b *protocol.Beacon) {
	defer conn.Close()

	data, err := t.codec.EncodeBeacon(b)
	if err != nil {
		t.logger.Error("Failed to encode beacon", "error", err)
		return
	}

	ticker := t.clock.Ticker(t.opts.BeaconInterval)
	defer ticker.Stop()
	for {
		if _, err := conn.Write(data); err != nil {
			t.logger.Debug("Failed to send beacon", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
		}
	}
}

// StartDiscovery listens for beacons of serviceID. Endpoints seen during an
// earlier discovery are forgotten.
func (t *Transport) StartDiscovery(_ context.Context, serviceID string, s transport.Strategy) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	if t.stopDisc != nil {
		t.stopDisc()
		t.stopDisc = nil
	}

	addr := net.JoinHostPort("", strconv.Itoa(t.opts.BeaconPort))
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("listen for beacons on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.stopDisc = func() {
		cancel()
		_ = conn.Close()
	}
	t.discService = serviceID
	t.seen = make(map[string]*sighting)
	t.spawn(func() { t.listenLoop(conn) })
	t.spawn(func() { t.sweepLoop(ctx) })
	t.mu.Unlock()

	t.logger.Info("Discovering", "service", serviceID, "strategy", s, "port", t.opts.BeaconPort)
	t.emit(transport.DiscoveryStarted{})
	return nil
}

func (t *Transport) StopDiscovery() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopDisc != nil {
		t.stopDisc()
		t.stopDisc = nil
	}
	return nil
}

func (t *Transport) listenLoop(conn net.PacketConn) {
	buf := make([]byte, protocol.MaxBeaconSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.logger.Warn("Beacon listener stopped", "error", err)
			}
			return
		}

		b, err := t.codec.DecodeBeacon(buf[:n])
		if err != nil {
			t.logger.Debug("Dropping datagram", "from", from, "error", err)
			continue
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		t.observe(b, udp.IP.String())
	}
}

// observe records a beacon heard from host.
func (t *Transport) observe(b *protocol.Beacon, host string) {
	if b.EndpointID == t.id {
		return
	}

	t.mu.Lock()
	if t.stopDisc == nil || b.ServiceID != t.discService {
		t.mu.Unlock()
		return
	}
	s, known := t.seen[b.EndpointID]
	if !known {
		s = &sighting{}
		t.seen[b.EndpointID] = s
	}
	s.name = b.Name
	s.addr = net.JoinHostPort(host, strconv.Itoa(int(b.Port)))
	s.last = t.clock.Now()
	addr := s.addr
	t.mu.Unlock()

	if !known {
		t.logger.Debug("Endpoint found", "peer", b.EndpointID, "name", b.Name, "addr", addr)
		t.emit(transport.EndpointFound{EndpointID: b.EndpointID, Name: b.Name})
	}
}

func (t *Transport) sweepLoop(ctx context.Context) {
	ticker := t.clock.Ticker(t.opts.BeaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep reports endpoints whose beacons stopped arriving.
func (t *Transport) sweep() {
	horizon := t.opts.BeaconInterval * time.Duration(t.opts.LostAfter)
	now := t.clock.Now()

	var lost []string
	t.mu.Lock()
	for id, s := range t.seen {
		if now.Sub(s.last) > horizon {
			delete(t.seen, id)
			lost = append(lost, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(lost)
	for _, id := range lost {
		t.logger.Debug("Endpoint lost", "peer", id)
		t.emit(transport.EndpointLost{EndpointID: id})
	}
}
