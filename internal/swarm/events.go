package swarm

// EventType identifies a hub notification.
type EventType string

const (
	EventAgentRegistered    EventType = "agent:registered"
	EventAgentUnregistered  EventType = "agent:unregistered"
	EventAgentOffline       EventType = "agent:offline"
	EventMessageDropped     EventType = "message:dropped"
	EventMessageReceived    EventType = "message:received"
	EventConsensusCompleted EventType = "consensus:completed"
	EventError              EventType = "error"
)

// Event is a hub notification delivered to subscribed handlers. Only the
// fields relevant to the event type are populated.
type Event struct {
	Type     EventType
	AgentID  string
	Envelope *Envelope
	Result   *ConsensusResult
	Err      error
}

// EventHandler receives hub events. Handlers are invoked synchronously
// outside the hub's lock, so they may call back into the hub but should
// return quickly.
type EventHandler func(Event)

// On subscribes a handler to an event type.
func (h *Hub) On(t EventType, fn EventHandler) {
	h.mu.Lock()
	h.handlers[t] = append(h.handlers[t], fn)
	h.mu.Unlock()
}

// emit dispatches an event to its subscribers. Must be called without
// holding h.mu.
func (h *Hub) emit(ev Event) {
	h.mu.Lock()
	subs := h.handlers[ev.Type]
	h.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
