// Package registry tracks which endpoints are discovered, pending a
// handshake, or connected. An endpoint belongs to at most one of those sets.
package registry

import (
	"sort"
	"sync"
)

type Endpoint struct {
	ID   string
	Name string
}

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

type PendingEndpoint struct {
	Endpoint
	Direction Direction
}

// Set names the membership of an endpoint.
type Set int

const (
	SetNone Set = iota
	SetDiscovered
	SetPending
	SetEstablished
)

func (s Set) String() string {
	switch s {
	case SetDiscovered:
		return "discovered"
	case SetPending:
		return "pending"
	case SetEstablished:
		return "established"
	default:
		return "none"
	}
}

type entry struct {
	endpoint  Endpoint
	set       Set
	direction Direction
}

// Registry is safe for concurrent use. Every transition moves an endpoint
// between sets under one write lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// OnChange is invoked after a transition, outside the lock.
	OnChange func(id string, from, to Set)
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// AddDiscovered records a visible endpoint. Endpoints already pending or
// established keep their membership; the name is refreshed either way.
func (r *Registry) AddDiscovered(id, name string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		if name != "" {
			e.endpoint.Name = name
		}
		r.mu.Unlock()
		return false
	}
	r.entries[id] = &entry{endpoint: Endpoint{ID: id, Name: name}, set: SetDiscovered}
	r.mu.Unlock()

	r.changed(id, SetNone, SetDiscovered)
	return true
}

// RemoveDiscovered drops an endpoint that is merely discovered. It is a
// no-op once the endpoint started connecting.
func (r *Registry) RemoveDiscovered(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.set != SetDiscovered {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	r.mu.Unlock()

	r.changed(id, SetDiscovered, SetNone)
	return true
}

// MarkPending moves id into the pending set. An empty name keeps the name
// learnt at discovery.
func (r *Registry) MarkPending(id, name string, dir Direction) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	from := SetNone
	if ok {
		from = e.set
		if from == SetEstablished {
			r.mu.Unlock()
			return false
		}
	} else {
		e = &entry{endpoint: Endpoint{ID: id}}
		r.entries[id] = e
	}
	if name != "" {
		e.endpoint.Name = name
	}
	e.set = SetPending
	e.direction = dir
	r.mu.Unlock()

	if from != SetPending {
		r.changed(id, from, SetPending)
	}
	return true
}

// MarkConnected moves a pending endpoint into the established set.
func (r *Registry) MarkConnected(id string) bool {
	return r.move(id, SetPending, SetEstablished)
}

// MarkDisconnected forgets an established endpoint.
func (r *Registry) MarkDisconnected(id string) bool {
	return r.move(id, SetEstablished, SetNone)
}

// MarkRejected forgets a pending endpoint.
func (r *Registry) MarkRejected(id string) bool {
	return r.move(id, SetPending, SetNone)
}

// ClearDiscovered drops every merely discovered endpoint.
func (r *Registry) ClearDiscovered() int {
	r.mu.Lock()
	var removed []string
	for id, e := range r.entries {
		if e.set == SetDiscovered {
			delete(r.entries, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range removed {
		r.changed(id, SetDiscovered, SetNone)
	}
	return len(removed)
}

func (r *Registry) Reset() {
	r.mu.Lock()
	old := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range old {
		r.changed(id, e.set, SetNone)
	}
}

func (r *Registry) move(id string, from, to Set) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.set != from {
		r.mu.Unlock()
		return false
	}
	if to == SetNone {
		delete(r.entries, id)
	} else {
		e.set = to
	}
	r.mu.Unlock()

	r.changed(id, from, to)
	return true
}

func (r *Registry) changed(id string, from, to Set) {
	if r.OnChange != nil {
		r.OnChange(id, from, to)
	}
}

func (r *Registry) Lookup(id string) (Endpoint, Set) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Endpoint{ID: id}, SetNone
	}
	return e.endpoint, e.set
}

func (r *Registry) IsEstablished(id string) bool {
	_, set := r.Lookup(id)
	return set == SetEstablished
}

func (r *Registry) Discovered() []Endpoint {
	return r.snapshot(SetDiscovered)
}

func (r *Registry) Established() []Endpoint {
	return r.snapshot(SetEstablished)
}

func (r *Registry) Pending() []PendingEndpoint {
	r.mu.RLock()
	out := make([]PendingEndpoint, 0, len(r.entries))
	for _, e := range r.entries {
		if e.set == SetPending {
			out = append(out, PendingEndpoint{Endpoint: e.endpoint, Direction: e.direction})
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the size of one set.
func (r *Registry) Count(set Set) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.entries {
		if e.set == set {
			n++
		}
	}
	return n
}

func (r *Registry) snapshot(set Set) []Endpoint {
	r.mu.RLock()
	out := make([]Endpoint, 0, len(r.entries))
	for _, e := range r.entries {
		if e.set == set {
			out = append(out, e.endpoint)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
