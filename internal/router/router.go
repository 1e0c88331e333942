// Package router resolves logical delivery targets (a room, a named user)
// into the live connections that must receive an event, and pushes to them.
package router

import (
	"encoding/json"
	"log"
	"sync"

	"parley/internal/presence"
)

// Sink is one attached connection's outbound side. Send must not block the
// caller indefinitely; transport clients back it with a buffered channel.
type Sink interface {
	Send(frame []byte) error
}

// Frame is the wire envelope for every server-to-client event.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Router fans events out to connections. Membership is resolved through the
// presence registry at delivery time; a send failure to one connection never
// aborts delivery to the rest.
type Router struct {
	registry *presence.Registry

	mu    sync.RWMutex
	sinks map[string]Sink

	// onDeliveryError is invoked per failed sink send, for metrics.
	onDeliveryError func()
}

// New returns a router resolving targets against reg.
func New(reg *presence.Registry) *Router {
	return &Router{
		registry: reg,
		sinks:    make(map[string]Sink),
	}
}

// OnDeliveryError registers a callback fired once per failed delivery.
func (rt *Router) OnDeliveryError(fn func()) {
	rt.mu.Lock()
	rt.onDeliveryError = fn
	rt.mu.Unlock()
}

// Attach makes connID reachable through sink. Called by the transport layer
// as soon as the connection is established, before any join.
func (rt *Router) Attach(connID string, sink Sink) {
	rt.mu.Lock()
	rt.sinks[connID] = sink
	rt.mu.Unlock()
}

// Detach forgets connID. Safe to call for unknown ids.
func (rt *Router) Detach(connID string) {
	rt.mu.Lock()
	delete(rt.sinks, connID)
	rt.mu.Unlock()
}

// BroadcastToRoom delivers event to every live connection currently in room,
// skipping any connection ids listed in exclude. All recipients get the
// identical marshaled payload. Membership is the snapshot at call time.
func (rt *Router) BroadcastToRoom(room, event string, payload any, exclude ...string) {
	frame, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		log.Printf("[router] ❌ Failed to marshal %s event: %v", event, err)
		return
	}

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	for _, connID := range rt.registry.ConnectionsInRoom(room) {
		if skip[connID] {
			continue
		}
		rt.send(connID, event, frame)
	}
}

// DeliverToName delivers event to every live connection mapped to name.
// A name with no live connections is a no-op, not an error: the message was
// persisted and the recipient catches up on the next history fetch.
func (rt *Router) DeliverToName(name, event string, payload any) {
	frame, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		log.Printf("[router] ❌ Failed to marshal %s event: %v", event, err)
		return
	}
	for _, connID := range rt.registry.ConnectionsFor(name) {
		rt.send(connID, event, frame)
	}
}

// DeliverTo delivers event to a single connection, if attached.
func (rt *Router) DeliverTo(connID, event string, payload any) {
	frame, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		log.Printf("[router] ❌ Failed to marshal %s event: %v", event, err)
		return
	}
	rt.send(connID, event, frame)
}

func (rt *Router) send(connID, event string, frame []byte) {
	rt.mu.RLock()
	sink := rt.sinks[connID]
	fail := rt.onDeliveryError
	rt.mu.RUnlock()

	if sink == nil {
		return
	}
	if err := sink.Send(frame); err != nil {
		log.Printf("[router] Delivery of %s to %s failed: %v", event, connID, err)
		if fail != nil {
			fail()
		}
	}
}
