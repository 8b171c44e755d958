package swarm

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Channel is a per-agent delivery endpoint. The hub hands outbound
// envelopes to Send and never awaits anything beyond the returned error;
// implementations backed by slow transports must queue internally rather
// than block the dispatch loop.
type Channel interface {
	Send(env *Envelope) error
	Close() error
}

// ChannelFactory opens a delivery channel for a newly registered agent.
type ChannelFactory func(agentID string) (Channel, error)

// Cipher is the optional symmetric-cipher provider. Seal must return a
// blob that is valid JSON so it can ride in the envelope payload; Open
// reverses it.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Config holds hub configuration. Zero values fall back to defaults in
// NewHub.
type Config struct {
	NodeID            string        // hub identity used as envelope sender (default "hub")
	BufferCapacity    int           // outbound buffer size (default 1000)
	DispatchInterval  time.Duration // dispatch tick period (default 100ms)
	DispatchBatch     int           // envelopes drained per tick (default 10)
	AckTimeout        time.Duration // reliable send ack window (default 5s)
	VoteTimeout       time.Duration // per-round vote collection window (default 5s)
	GossipFanout      int           // seed/forward fan-out (default 3)
	GossipMaxHops     int           // forwarding depth bound (default 3)
	HeartbeatInterval time.Duration // liveness tick period (default 10s)
	OfflineAfter      time.Duration // silence before an agent goes offline (default 30s)
	Quorum            float64       // byzantine quorum fraction (default 0.67)
	Algorithm         string        // default consensus algorithm (default "majority")
	TransportJitter   time.Duration // optional simulated per-envelope transport delay (default 0)

	Channels ChannelFactory // opens channels for registered agents (optional)
	Cipher   Cipher         // optional payload cipher

	// Injectable time and randomness sources for deterministic tests.
	Now  func() time.Time
	Rand *rand.Rand
}

// MessageStatus tracks a send-side record through the dispatcher.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
)

// MessageRecord is send-side history for a tracked message. Diagnostic
// only; acknowledgment correlation uses the pending-ack map, not this.
type MessageRecord struct {
	Envelope *Envelope
	Status   MessageStatus
	Attempts int
}

// SendResult is the outcome of a direct send.
type SendResult struct {
	MessageID string
	Delivered bool
}

// BroadcastResult is the outcome of a broadcast or multicast.
type BroadcastResult struct {
	MessageID      string
	RecipientCount int
}

// GossipResult identifies a gossip round and its seed recipients.
type GossipResult struct {
	MessageID      string
	InitialTargets []string
}

// groupAck aggregates acknowledgments for one multicast group.
type groupAck struct {
	count    int
	first    chan struct{}
	signaled bool
}

// DeliverFunc receives payloads addressed to local agents. env.To names
// the recipient.
type DeliverFunc func(env *Envelope)

// ProposalFunc solicits a vote from a local agent. Returning ok=false
// abstains.
type ProposalFunc func(agentID string, p ProposePayload) (value string, ok bool)

// Hub coordinates a swarm of agents: registry, outbound buffering,
// protocol engines, consensus, and liveness. All shared state is guarded
// by a single mutex; the dispatch and heartbeat loops are the only
// goroutines the hub owns.
type Hub struct {
	cfg Config

	mu           sync.Mutex
	closed       bool
	agents       map[string]*Agent
	channels     map[string]Channel
	buffer       *messageBuffer
	records      map[string]*MessageRecord
	pendingAcks  map[string]chan error
	groupAcks    map[string]*groupAck
	rounds       map[string]*round
	gossipSeen   map[string]map[string]bool // original_id -> agents that processed it
	gossipSeenAt map[string]time.Time
	handlers     map[EventType][]EventHandler
	deliverFn    DeliverFunc
	proposalFn   ProposalFunc
	stats        counters

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewHub creates a hub with defaults filled in. Call Start to begin
// dispatching.
func NewHub(cfg Config) *Hub {
	if cfg.NodeID == "" {
		cfg.NodeID = "hub"
	}
	if cfg.BufferCapacity == 0 {
		cfg.BufferCapacity = 1000
	}
	if cfg.DispatchInterval == 0 {
		cfg.DispatchInterval = 100 * time.Millisecond
	}
	if cfg.DispatchBatch == 0 {
		cfg.DispatchBatch = 10
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.VoteTimeout == 0 {
		cfg.VoteTimeout = 5 * time.Second
	}
	if cfg.GossipFanout == 0 {
		cfg.GossipFanout = 3
	}
	if cfg.GossipMaxHops == 0 {
		cfg.GossipMaxHops = 3
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.OfflineAfter == 0 {
		cfg.OfflineAfter = 30 * time.Second
	}
	if cfg.Quorum == 0 {
		cfg.Quorum = 0.67
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmMajority
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Hub{
		cfg:          cfg,
		agents:       make(map[string]*Agent),
		channels:     make(map[string]Channel),
		buffer:       newMessageBuffer(cfg.BufferCapacity),
		records:      make(map[string]*MessageRecord),
		pendingAcks:  make(map[string]chan error),
		groupAcks:    make(map[string]*groupAck),
		rounds:       make(map[string]*round),
		gossipSeen:   make(map[string]map[string]bool),
		gossipSeenAt: make(map[string]time.Time),
		handlers:     make(map[EventType][]EventHandler),
		stop:         make(chan struct{}),
	}
}

// Start launches the dispatch and heartbeat loops.
func (h *Hub) Start() {
	h.wg.Add(2)
	go h.dispatchLoop()
	go h.heartbeatLoop()
}

// Close stops the loops and closes every agent channel.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	close(h.stop)
	h.wg.Wait()

	h.mu.Lock()
	chans := make([]Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		if ch != nil {
			chans = append(chans, ch)
		}
	}
	h.channels = make(map[string]Channel)
	h.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
	}
	return nil
}

// OnDeliver registers the local payload delivery hook.
func (h *Hub) OnDeliver(fn DeliverFunc) {
	h.mu.Lock()
	h.deliverFn = fn
	h.mu.Unlock()
}

// OnProposal registers the vote solicitation hook used when a consensus
// propose envelope arrives for a local agent.
func (h *Hub) OnProposal(fn ProposalFunc) {
	h.mu.Lock()
	h.proposalFn = fn
	h.mu.Unlock()
}

// MessageHistory returns a copy of the send-side record for a tracked
// message.
func (h *Hub) MessageHistory(messageID string) (MessageRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[messageID]
	if !ok {
		return MessageRecord{}, false
	}
	return *rec, true
}

// newEnvelope builds an outbound envelope originating at the hub.
func (h *Hub) newEnvelope(to, msgType, protocol string, payload json.RawMessage) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		From:      h.cfg.NodeID,
		To:        to,
		Type:      msgType,
		Protocol:  protocol,
		Timestamp: h.cfg.Now().UnixMilli(),
		Payload:   payload,
	}
}

// sealEnvelope encrypts the payload in place when the message type
// requires it and a cipher is configured.
func (h *Hub) sealEnvelope(env *Envelope, spec TypeSpec) error {
	if !spec.Encrypted || h.cfg.Cipher == nil {
		return nil
	}
	sealed, err := h.cfg.Cipher.Seal(env.Payload)
	if err != nil {
		return fmt.Errorf("seal envelope %s: %w", env.ID, err)
	}
	env.Payload = sealed
	env.Encrypted = true
	return nil
}

// enqueue pushes an envelope into the buffer and surfaces any eviction.
func (h *Hub) enqueue(env *Envelope) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	dropped := h.buffer.push(env)
	h.mu.Unlock()
	h.noteDropped(dropped)
}

// noteDropped raises the drop notification for an evicted envelope.
func (h *Hub) noteDropped(dropped *Envelope) {
	if dropped == nil {
		return
	}
	h.mu.Lock()
	h.stats.failed++
	h.mu.Unlock()
	h.emit(Event{Type: EventMessageDropped, Envelope: dropped})
}

// noteError counts a failure and raises it on the error event.
func (h *Hub) noteError(err error) {
	h.mu.Lock()
	h.stats.failed++
	h.mu.Unlock()
	h.emit(Event{Type: EventError, Err: err})
}

// Send delivers a message point-to-point. For reliable message types it
// blocks until the recipient acknowledges or the ack window expires; for
// unreliable types it returns as soon as the envelope is buffered, with
// Delivered false.
func (h *Hub) Send(toAgentID string, message any, msgType string) (*SendResult, error) {
	payload, err := marshalPayload(message)
	if err != nil {
		return nil, err
	}
	spec := SpecFor(msgType)
	env := h.newEnvelope(toAgentID, msgType, ProtoDirect, payload)
	if err := h.sealEnvelope(env, spec); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := h.agents[toAgentID]; !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("send to %q: %w", toAgentID, ErrAgentUnknown)
	}
	var ackCh chan error
	if spec.Reliable {
		ackCh = make(chan error, 1)
		h.pendingAcks[env.ID] = ackCh
		h.records[env.ID] = &MessageRecord{Envelope: env, Status: MessagePending, Attempts: 1}
	}
	dropped := h.buffer.push(env)
	h.mu.Unlock()
	h.noteDropped(dropped)

	if !spec.Reliable {
		return &SendResult{MessageID: env.ID}, nil
	}

	select {
	case err := <-ackCh:
		if err != nil {
			return nil, fmt.Errorf("send %s: %w", env.ID, err)
		}
		return &SendResult{MessageID: env.ID, Delivered: true}, nil
	case <-time.After(h.cfg.AckTimeout):
		h.mu.Lock()
		delete(h.pendingAcks, env.ID)
		h.stats.failed++
		h.mu.Unlock()
		return nil, fmt.Errorf("send %s: %w", env.ID, ErrAckTimeout)
	case <-h.stop:
		return nil, ErrClosed
	}
}

// Broadcast delivers a message to every registered agent. No
// acknowledgment is solicited.
func (h *Hub) Broadcast(message any, msgType string) (*BroadcastResult, error) {
	payload, err := marshalPayload(message)
	if err != nil {
		return nil, err
	}
	spec := SpecFor(msgType)
	env := h.newEnvelope(BroadcastTarget, msgType, ProtoBroadcast, payload)
	if err := h.sealEnvelope(env, spec); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	recipients := len(h.agents)
	dropped := h.buffer.push(env)
	h.mu.Unlock()
	h.noteDropped(dropped)

	return &BroadcastResult{MessageID: env.ID, RecipientCount: recipients}, nil
}

// Multicast delivers a message to a set of agents as individually
// addressed sub-envelopes sharing one group ID. Acknowledgments for
// reliable types are aggregated per group; use WaitAck or AckCount to
// observe them. Unregistered IDs in the list are skipped.
func (h *Hub) Multicast(agentIDs []string, message any, msgType string) (*BroadcastResult, error) {
	payload, err := marshalPayload(message)
	if err != nil {
		return nil, err
	}
	spec := SpecFor(msgType)
	groupID := uuid.NewString()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	var dropped []*Envelope
	sent := 0
	for _, id := range agentIDs {
		if _, ok := h.agents[id]; !ok {
			continue
		}
		env := h.newEnvelope(id, msgType, ProtoMulticast, payload)
		env.ID = MulticastID(groupID, id)
		env.GroupID = groupID
		if err := h.sealEnvelope(env, spec); err != nil {
			h.mu.Unlock()
			return nil, err
		}
		if spec.Reliable {
			h.records[env.ID] = &MessageRecord{Envelope: env, Status: MessagePending, Attempts: 1}
		}
		if d := h.buffer.push(env); d != nil {
			dropped = append(dropped, d)
		}
		sent++
	}
	if spec.Reliable && sent > 0 {
		h.groupAcks[groupID] = &groupAck{first: make(chan struct{})}
	}
	h.mu.Unlock()

	for _, d := range dropped {
		h.noteDropped(d)
	}
	return &BroadcastResult{MessageID: groupID, RecipientCount: sent}, nil
}

// WaitAck blocks until the first acknowledgment for a multicast group
// arrives, or the timeout expires. Callers that need all-or-quorum
// semantics should poll AckCount instead.
func (h *Hub) WaitAck(groupID string, timeout time.Duration) error {
	h.mu.Lock()
	ga, ok := h.groupAcks[groupID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("group %q: %w", groupID, ErrAgentUnknown)
	}
	select {
	case <-ga.first:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("group %s: %w", groupID, ErrAckTimeout)
	case <-h.stop:
		return ErrClosed
	}
}

// AckCount returns the number of acknowledgments received for a multicast
// group.
func (h *Hub) AckCount(groupID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ga, ok := h.groupAcks[groupID]; ok {
		return ga.count
	}
	return 0
}

// dispatchLoop drains the buffer on a fixed tick.
func (h *Hub) dispatchLoop() {
	defer h.wg.Done()
	t := time.NewTicker(h.cfg.DispatchInterval)
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-t.C:
			h.dispatchTick()
		}
	}
}

// dispatchTick pops a bounded batch and delivers each envelope. Bounding
// per-tick work keeps one burst from monopolizing the loop.
func (h *Hub) dispatchTick() {
	h.mu.Lock()
	batch := h.buffer.pop(h.cfg.DispatchBatch)
	h.mu.Unlock()
	for _, env := range batch {
		h.deliver(env)
	}
}

// deliver routes one envelope to its recipient channel(s). Envelopes
// addressed to the hub itself (acks, votes) loop straight back into
// HandleEnvelope.
func (h *Hub) deliver(env *Envelope) {
	if j := h.cfg.TransportJitter; j > 0 {
		h.mu.Lock()
		d := time.Duration(h.cfg.Rand.Int63n(int64(j)))
		h.mu.Unlock()
		time.Sleep(d)
	}

	if env.To == h.cfg.NodeID {
		h.markSent(env)
		h.HandleEnvelope(env)
		return
	}

	if env.To == BroadcastTarget {
		h.mu.Lock()
		chans := make([]Channel, 0, len(h.channels))
		for id, ch := range h.channels {
			if id == env.From || ch == nil {
				continue
			}
			chans = append(chans, ch)
		}
		h.mu.Unlock()
		for _, ch := range chans {
			if err := ch.Send(env); err != nil {
				h.noteError(fmt.Errorf("deliver %s: %w", env.ID, err))
			}
		}
		h.markSent(env)
		return
	}

	h.mu.Lock()
	ch := h.channels[env.To]
	h.mu.Unlock()
	if ch == nil {
		h.noteError(fmt.Errorf("deliver %s to %q: %w", env.ID, env.To, ErrAgentUnknown))
		return
	}
	if err := ch.Send(env); err != nil {
		h.noteError(fmt.Errorf("deliver %s to %q: %w", env.ID, env.To, err))
		return
	}
	h.markSent(env)
}

// markSent updates counters and the send-side record after delivery.
func (h *Hub) markSent(env *Envelope) {
	now := h.cfg.Now().UnixMilli()
	h.mu.Lock()
	h.stats.sent++
	if lat := now - env.Timestamp; lat >= 0 {
		h.stats.latencySumMs += float64(lat)
		h.stats.latencySamples++
	}
	if rec, ok := h.records[env.ID]; ok {
		rec.Status = MessageSent
	}
	h.mu.Unlock()
}

// HandleEnvelope is the entry point for inbound envelopes handed over by
// the transport layer. It updates sender liveness, decrypts when needed,
// and dispatches to the protocol handlers.
func (h *Hub) HandleEnvelope(env *Envelope) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.stats.received++
	if env.From != h.cfg.NodeID {
		h.touchAgent(env.From)
	}
	h.mu.Unlock()

	if env.Encrypted {
		if h.cfg.Cipher == nil {
			h.noteError(fmt.Errorf("envelope %s: %w", env.ID, ErrNoCipher))
			return
		}
		plain, err := h.cfg.Cipher.Open(env.Payload)
		if err != nil {
			h.noteError(fmt.Errorf("open payload of %s: %w", env.ID, ErrDecryption))
			return
		}
		clone := *env
		clone.Payload = plain
		clone.Encrypted = false
		env = &clone
	}

	switch env.Protocol {
	case ProtoAck:
		h.resolveAck(env, nil)
	case ProtoNack:
		h.resolveAck(env, ErrNegativeAck)
	case ProtoDirect:
		h.deliverLocal(env)
		h.maybeAck(env, "")
	case ProtoMulticast:
		h.deliverLocal(env)
		h.maybeAck(env, env.GroupID)
	case ProtoBroadcast:
		h.deliverLocal(env)
	case ProtoGossip:
		h.handleGossip(env)
	case ProtoConsensus:
		h.handleConsensus(env)
	default:
		h.noteError(fmt.Errorf("envelope %s protocol %q: %w", env.ID, env.Protocol, ErrUnknownProtocol))
	}
}

// deliverLocal hands a payload to the local delivery hook and raises the
// received event.
func (h *Hub) deliverLocal(env *Envelope) {
	h.mu.Lock()
	fn := h.deliverFn
	h.mu.Unlock()
	h.emit(Event{Type: EventMessageReceived, AgentID: env.To, Envelope: env})
	if fn != nil {
		fn(env)
	}
}

// maybeAck emits an acknowledgment envelope back to the sender for
// reliable message types.
func (h *Hub) maybeAck(env *Envelope, groupID string) {
	if !SpecFor(env.Type).Reliable {
		return
	}
	payload, err := json.Marshal(AckPayload{MessageID: env.ID, GroupID: groupID, AgentID: env.To})
	if err != nil {
		return
	}
	ack := h.newEnvelope(env.From, TypeResponse, ProtoAck, payload)
	ack.From = env.To
	h.enqueue(ack)
}

// resolveAck completes the pending send waiting on this acknowledgment.
// failure is non-nil for nacks.
func (h *Hub) resolveAck(env *Envelope, failure error) {
	var p AckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.noteError(fmt.Errorf("ack payload of %s: %w", env.ID, err))
		return
	}
	h.mu.Lock()
	if p.GroupID != "" {
		if ga, ok := h.groupAcks[p.GroupID]; ok && failure == nil {
			ga.count++
			if !ga.signaled {
				ga.signaled = true
				close(ga.first)
			}
		}
	}
	ackCh, ok := h.pendingAcks[p.MessageID]
	if ok {
		delete(h.pendingAcks, p.MessageID)
	}
	h.mu.Unlock()
	if ok {
		ackCh <- failure
	}
}
