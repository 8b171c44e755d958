package swarm

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// heartbeatLoop drives offline detection and heartbeat emission.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	t := time.NewTicker(h.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-t.C:
			h.heartbeatTick()
		}
	}
}

// heartbeatTick marks agents offline after prolonged silence and enqueues
// an unreliable heartbeat to every registered agent. The monitor only
// flips online -> offline; receipt of any message flips the other way.
func (h *Hub) heartbeatTick() {
	now := h.cfg.Now()
	payload, _ := json.Marshal(map[string]int64{"ts": now.UnixMilli()})

	h.mu.Lock()
	var wentOffline []string
	var dropped []*Envelope
	for id, a := range h.agents {
		if a.Status == StatusOnline && now.Sub(a.LastSeen) > h.cfg.OfflineAfter {
			a.Status = StatusOffline
			wentOffline = append(wentOffline, id)
		}
		hb := &Envelope{
			ID:        uuid.NewString(),
			From:      h.cfg.NodeID,
			To:        id,
			Type:      TypeHeartbeat,
			Protocol:  ProtoDirect,
			Timestamp: now.UnixMilli(),
			Payload:   payload,
		}
		if d := h.buffer.push(hb); d != nil {
			dropped = append(dropped, d)
		}
	}
	h.pruneGossipSeen(now)
	h.mu.Unlock()

	// The offline event fires once per transition, not on every tick the
	// agent stays offline.
	for _, id := range wentOffline {
		h.emit(Event{Type: EventAgentOffline, AgentID: id})
	}
	for _, d := range dropped {
		h.noteDropped(d)
	}
}
