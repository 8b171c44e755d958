package transport

import (
	"sync"

	"github.com/hivewire/hivewire/internal/swarm"
)

// Loopback is an in-process transport: every envelope sent on one of its
// channels is handed straight to the bound inbound handler. It gives
// tests and single-process swarms the full dispatch -> channel ->
// handleMessage round trip without sockets.
type Loopback struct {
	mu      sync.RWMutex
	handler func(*swarm.Envelope)
}

// NewLoopback creates an unbound loopback. Bind a handler before
// dispatching.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Bind sets the inbound handler, typically hub.HandleEnvelope.
func (l *Loopback) Bind(handler func(*swarm.Envelope)) {
	l.mu.Lock()
	l.handler = handler
	l.mu.Unlock()
}

// Factory returns a ChannelFactory producing loopback channels.
func (l *Loopback) Factory() swarm.ChannelFactory {
	return func(agentID string) (swarm.Channel, error) {
		return &loopbackChannel{lb: l}, nil
	}
}

type loopbackChannel struct {
	lb *Loopback
}

func (c *loopbackChannel) Send(env *swarm.Envelope) error {
	c.lb.mu.RLock()
	handler := c.lb.handler
	c.lb.mu.RUnlock()
	if handler != nil {
		handler(env)
	}
	return nil
}

func (c *loopbackChannel) Close() error { return nil }
