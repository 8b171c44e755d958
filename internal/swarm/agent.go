package swarm

import "time"

// AgentStatus is the liveness state of an agent.
type AgentStatus string

const (
	StatusOnline  AgentStatus = "online"
	StatusOffline AgentStatus = "offline"
)

// Agent describes a registered swarm member. The hub owns the record;
// callers hold only the ID and receive copies from accessors.
type Agent struct {
	ID           string            `json:"id"`
	Status       AgentStatus       `json:"status"`
	LastSeen     time.Time         `json:"last_seen"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	MessageCount int               `json:"message_count"`
}

// RegisterAgent adds an agent to the registry, marks it online, and opens
// a delivery channel for it via the configured factory. Re-registering an
// existing ID replaces its metadata and resets its channel.
func (h *Hub) RegisterAgent(agentID string, metadata map[string]string) (*Agent, error) {
	var ch Channel
	if h.cfg.Channels != nil {
		var err error
		ch, err = h.cfg.Channels(agentID)
		if err != nil {
			return nil, err
		}
	}
	return h.registerAgent(agentID, metadata, ch)
}

// RegisterAgentChannel registers an agent with an explicit delivery
// channel, bypassing the factory. Used by inbound transports that own the
// connection (e.g. a WebSocket accept loop).
func (h *Hub) RegisterAgentChannel(agentID string, metadata map[string]string, ch Channel) (*Agent, error) {
	return h.registerAgent(agentID, metadata, ch)
}

func (h *Hub) registerAgent(agentID string, metadata map[string]string, ch Channel) (*Agent, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		return nil, ErrClosed
	}
	if old, ok := h.channels[agentID]; ok && old != nil {
		old.Close()
	}
	agent := &Agent{
		ID:       agentID,
		Status:   StatusOnline,
		LastSeen: h.cfg.Now(),
		Metadata: metadata,
	}
	h.agents[agentID] = agent
	h.channels[agentID] = ch
	out := *agent
	h.mu.Unlock()

	h.emit(Event{Type: EventAgentRegistered, AgentID: agentID})
	return &out, nil
}

// UnregisterAgent removes an agent and closes its channel. Unknown IDs are
// a no-op.
func (h *Hub) UnregisterAgent(agentID string) {
	h.mu.Lock()
	_, known := h.agents[agentID]
	ch := h.channels[agentID]
	delete(h.agents, agentID)
	delete(h.channels, agentID)
	h.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if known {
		h.emit(Event{Type: EventAgentUnregistered, AgentID: agentID})
	}
}

// Agent returns a copy of the agent record, or false if unknown.
func (h *Hub) Agent(agentID string) (Agent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// OnlineAgents returns the IDs of all agents currently marked online.
func (h *Hub) OnlineAgents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for id, a := range h.agents {
		if a.Status == StatusOnline {
			ids = append(ids, id)
		}
	}
	return ids
}

// touchAgent updates liveness bookkeeping for an agent we just heard from.
// Receipt of any message flips a previously offline agent back online; the
// liveness monitor only ever flips the other way. Caller must hold h.mu.
func (h *Hub) touchAgent(agentID string) {
	a, ok := h.agents[agentID]
	if !ok {
		return
	}
	a.LastSeen = h.cfg.Now()
	a.MessageCount++
	a.Status = StatusOnline
}
