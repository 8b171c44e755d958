package swarm

// AgentStats summarizes registry liveness.
type AgentStats struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

// MessageStats summarizes message flow.
type MessageStats struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
	Failed   int `json:"failed"`
	Buffered int `json:"buffered"`
}

// PerformanceStats summarizes dispatch latency and delivery success.
type PerformanceStats struct {
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	SuccessRate  float64 `json:"success_rate"`
}

// Statistics is the hub's observability snapshot.
type Statistics struct {
	Agents      AgentStats       `json:"agents"`
	Messages    MessageStats     `json:"messages"`
	Performance PerformanceStats `json:"performance"`
}

// counters is the hub-internal mutable tally behind Statistics.
type counters struct {
	sent           int
	received       int
	failed         int
	latencySumMs   float64
	latencySamples int
}

// Statistics returns a snapshot of agent, message, and performance
// counters.
func (h *Hub) Statistics() Statistics {
	h.mu.Lock()
	defer h.mu.Unlock()

	var s Statistics
	s.Agents.Total = len(h.agents)
	for _, a := range h.agents {
		if a.Status == StatusOnline {
			s.Agents.Online++
		} else {
			s.Agents.Offline++
		}
	}
	s.Messages.Sent = h.stats.sent
	s.Messages.Received = h.stats.received
	s.Messages.Failed = h.stats.failed
	s.Messages.Buffered = h.buffer.len()

	if h.stats.latencySamples > 0 {
		s.Performance.AvgLatencyMs = h.stats.latencySumMs / float64(h.stats.latencySamples)
	}
	if total := h.stats.sent + h.stats.failed; total > 0 {
		s.Performance.SuccessRate = float64(h.stats.sent) / float64(total)
	} else {
		s.Performance.SuccessRate = 1.0
	}
	return s
}
