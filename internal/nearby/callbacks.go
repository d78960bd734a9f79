package nearby

import (
	"github.com/rudransh-shrivastava/nearby/internal/payload"
	"github.com/rudransh-shrivastava/nearby/internal/registry"
)

// Callbacks are invoked on the goroutine that calls Drain or Run. Any of them
// may be nil.
type Callbacks struct {
	AdvertisingStarted func()
	AdvertisingFailed  func(err error)
	DiscoveryStarted   func()
	DiscoveryFailed    func(err error)

	EndpointDiscovered   func(ep registry.Endpoint)
	EndpointLost         func(endpointID string)
	ConnectionInitiated  func(ep registry.Endpoint, verificationCode string, incoming bool)
	ConnectionFailed     func(endpointID string, err error)
	EndpointConnected    func(ep registry.Endpoint)
	EndpointDisconnected func(ep registry.Endpoint)

	BytesReceived func(endpointID string, payloadID int64, data []byte)
	// StreamData delivers at most one read buffer of an incoming stream.
	StreamData func(endpointID string, payloadID int64, data []byte)

	TransferStarted  func(endpointID string, info payload.Info)
	TransferProgress func(endpointID string, info payload.Info, st payload.Status)
	TransferComplete func(endpointID string, info payload.Info)
	TransferFailed   func(endpointID string, info payload.Info, err error)
	TransferCanceled func(endpointID string, info payload.Info)
}

func (c Callbacks) advertisingStarted() {
	if c.AdvertisingStarted != nil {
		c.AdvertisingStarted()
	}
}

func (c Callbacks) advertisingFailed(err error) {
	if c.AdvertisingFailed != nil {
		c.AdvertisingFailed(err)
	}
}

func (c Callbacks) discoveryStarted() {
	if c.DiscoveryStarted != nil {
		c.DiscoveryStarted()
	}
}

func (c Callbacks) discoveryFailed(err error) {
	if c.DiscoveryFailed != nil {
		c.DiscoveryFailed(err)
	}
}

// notifier adapts the session machine and payload manager to Callbacks and
// keeps metrics in step with them.
type notifier struct {
	m *Manager
}

func (n *notifier) EndpointDiscovered(ep registry.Endpoint) {
	n.m.logger.Info("Endpoint discovered", "endpoint", ep.ID, "name", ep.Name)
	if f := n.m.cb.EndpointDiscovered; f != nil {
		f(ep)
	}
}

func (n *notifier) EndpointLost(endpointID string) {
	n.m.logger.Info("Endpoint lost", "endpoint", endpointID)
	if f := n.m.cb.EndpointLost; f != nil {
		f(endpointID)
	}
}

func (n *notifier) ConnectionInitiated(ep registry.Endpoint, code string, incoming bool) {
	n.m.logger.Info("Connection initiated", "endpoint", ep.ID, "name", ep.Name, "code", code, "incoming", incoming)
	if f := n.m.cb.ConnectionInitiated; f != nil {
		f(ep, code, incoming)
	}
}

func (n *notifier) ConnectionFailed(endpointID string, err error) {
	n.m.logger.Warn("Connection failed", "endpoint", endpointID, "error", err)
	if f := n.m.cb.ConnectionFailed; f != nil {
		f(endpointID, err)
	}
}

func (n *notifier) EndpointConnected(ep registry.Endpoint) {
	n.m.logger.Info("Endpoint connected", "endpoint", ep.ID, "name", ep.Name)
	if f := n.m.cb.EndpointConnected; f != nil {
		f(ep)
	}
}

func (n *notifier) EndpointDisconnected(ep registry.Endpoint) {
	n.m.logger.Info("Endpoint disconnected", "endpoint", ep.ID, "name", ep.Name)
	if failed := n.m.xfers.EndpointGone(ep.ID); failed > 0 {
		n.m.logger.Debug("Failed transfers of disconnected endpoint", "endpoint", ep.ID, "count", failed)
	}
	if f := n.m.cb.EndpointDisconnected; f != nil {
		f(ep)
	}
}

func (n *notifier) BytesReceived(endpointID string, payloadID int64, data []byte) {
	n.m.stats.PayloadBytes(payload.Incoming.String(), len(data))
	if f := n.m.cb.BytesReceived; f != nil {
		f(endpointID, payloadID, data)
	}
}

func (n *notifier) StreamData(endpointID string, payloadID int64, data []byte) {
	n.m.stats.PayloadBytes(payload.Incoming.String(), len(data))
	if f := n.m.cb.StreamData; f != nil {
		f(endpointID, payloadID, data)
	}
}

func (n *notifier) TransferStarted(endpointID string, info payload.Info) {
	n.m.stats.PayloadStarted(info.Kind.String(), info.Direction.String())
	if f := n.m.cb.TransferStarted; f != nil {
		f(endpointID, info)
	}
}

func (n *notifier) TransferUpdate(endpointID string, info payload.Info, st payload.Status) {
	if f := n.m.cb.TransferProgress; f != nil {
		f(endpointID, info, st)
	}
}

func (n *notifier) TransferFinished(endpointID string, info payload.Info, st payload.Status, err error) {
	n.m.stats.PayloadFinished(info.Kind.String(), info.Direction.String(), st.State.String())
	if info.Direction == payload.Outgoing && st.State == payload.Success && info.Kind != payload.Stream {
		n.m.stats.PayloadBytes(payload.Outgoing.String(), int(st.Done))
	}

	switch st.State {
	case payload.Success:
		n.m.logger.Info("Transfer complete", "endpoint", endpointID, "payload", info.ID, "kind", info.Kind)
		if f := n.m.cb.TransferComplete; f != nil {
			f(endpointID, info)
		}
	case payload.Canceled:
		n.m.logger.Info("Transfer canceled", "endpoint", endpointID, "payload", info.ID)
		if f := n.m.cb.TransferCanceled; f != nil {
			f(endpointID, info)
		}
	default:
		n.m.logger.Warn("Transfer failed", "endpoint", endpointID, "payload", info.ID, "error", err)
		if f := n.m.cb.TransferFailed; f != nil {
			f(endpointID, info, err)
		}
	}
}
