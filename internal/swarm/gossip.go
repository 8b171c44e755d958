package swarm

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// gossipSeenTTL bounds how long per-message dedup state is retained.
// Pruned on the heartbeat tick.
const gossipSeenTTL = 10 * time.Minute

// Gossip seeds an epidemic round: the message is sent to a random fanout
// of agents, each of which forwards copies to agents outside the seen set
// until the hop bound is reached. Best-effort; no acknowledgment.
func (h *Hub) Gossip(message any, msgType string) (*GossipResult, error) {
	payload, err := marshalPayload(message)
	if err != nil {
		return nil, err
	}
	spec := SpecFor(msgType)
	originalID := uuid.NewString()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	targets := h.pickAgents(h.cfg.GossipFanout, map[string]bool{h.cfg.NodeID: true})
	var dropped []*Envelope
	for _, tgt := range targets {
		env := h.newEnvelope(tgt, msgType, ProtoGossip, payload)
		env.Gossip = &GossipMeta{
			OriginalID: originalID,
			Hops:       0,
			Seen:       []string{h.cfg.NodeID},
		}
		if err := h.sealEnvelope(env, spec); err != nil {
			h.mu.Unlock()
			return nil, err
		}
		if d := h.buffer.push(env); d != nil {
			dropped = append(dropped, d)
		}
	}
	h.mu.Unlock()

	for _, d := range dropped {
		h.noteDropped(d)
	}
	return &GossipResult{MessageID: originalID, InitialTargets: targets}, nil
}

// handleGossip processes an inbound gossip envelope on behalf of the
// recipient agent: dedup, local delivery, then randomized forwarding to
// agents outside the seen set while hops remain.
func (h *Hub) handleGossip(env *Envelope) {
	meta := env.Gossip
	if meta == nil {
		h.noteError(fmt.Errorf("gossip envelope %s has no gossip metadata", env.ID))
		return
	}
	self := env.To

	// Silent discard when this agent already appears in the seen set.
	if meta.Contains(self) {
		return
	}

	// The per-envelope seen set alone cannot stop two forwarders from
	// racing copies to the same agent, so the hub also tracks which
	// agents already processed each original message.
	h.mu.Lock()
	processed := h.gossipSeen[meta.OriginalID]
	if processed == nil {
		processed = make(map[string]bool)
		h.gossipSeen[meta.OriginalID] = processed
		h.gossipSeenAt[meta.OriginalID] = h.cfg.Now()
	}
	if processed[self] {
		h.mu.Unlock()
		return
	}
	processed[self] = true
	h.mu.Unlock()

	next := &GossipMeta{
		OriginalID: meta.OriginalID,
		Hops:       meta.Hops + 1,
		Seen:       append(append([]string{}, meta.Seen...), self),
	}

	h.deliverLocal(env)

	// Propagation halts once the hop bound is reached.
	if next.Hops >= h.cfg.GossipMaxHops {
		return
	}

	spec := SpecFor(env.Type)
	exclude := make(map[string]bool, len(next.Seen))
	for _, id := range next.Seen {
		exclude[id] = true
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	targets := h.pickAgents(h.cfg.GossipFanout, exclude)
	var dropped []*Envelope
	for _, tgt := range targets {
		fwd := &Envelope{
			ID:        uuid.NewString(),
			From:      self,
			To:        tgt,
			Type:      env.Type,
			Protocol:  ProtoGossip,
			Timestamp: h.cfg.Now().UnixMilli(),
			Payload:   env.Payload,
			Gossip:    next,
		}
		if err := h.sealEnvelope(fwd, spec); err != nil {
			h.mu.Unlock()
			h.noteError(err)
			return
		}
		if d := h.buffer.push(fwd); d != nil {
			dropped = append(dropped, d)
		}
	}
	h.mu.Unlock()

	for _, d := range dropped {
		h.noteDropped(d)
	}
}

// pickAgents selects up to n online agents uniformly at random, skipping
// excluded IDs. Candidates are sorted before shuffling so a seeded Rand
// yields reproducible selections. Caller must hold h.mu.
func (h *Hub) pickAgents(n int, exclude map[string]bool) []string {
	var candidates []string
	for id, a := range h.agents {
		if a.Status != StatusOnline || exclude[id] {
			continue
		}
		candidates = append(candidates, id)
	}
	sort.Strings(candidates)
	h.cfg.Rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// pruneGossipSeen drops dedup state older than the TTL. Caller must hold
// h.mu.
func (h *Hub) pruneGossipSeen(now time.Time) int {
	count := 0
	for id, at := range h.gossipSeenAt {
		if now.Sub(at) > gossipSeenTTL {
			delete(h.gossipSeen, id)
			delete(h.gossipSeenAt, id)
			count++
		}
	}
	return count
}
