package swarm

import (
	"encoding/json"
	"fmt"
)

// Message types understood by the swarm.
const (
	TypeCommand   = "command"
	TypeQuery     = "query"
	TypeResponse  = "response"
	TypeBroadcast = "broadcast"
	TypeHeartbeat = "heartbeat"
	TypeConsensus = "consensus"
	TypeTask      = "task"
	TypeResult    = "result"
	TypeError     = "error"
	TypeSync      = "sync"
)

// Protocols carried in the envelope's protocol field.
const (
	ProtoDirect    = "direct"
	ProtoBroadcast = "broadcast"
	ProtoMulticast = "multicast"
	ProtoGossip    = "gossip"
	ProtoConsensus = "consensus"
	ProtoAck       = "ack"
	ProtoNack      = "nack"
)

// Consensus envelope phases.
const (
	PhasePropose = "propose"
	PhaseVote    = "vote"
	PhaseResult  = "result"
)

// Message priorities.
const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
)

// BroadcastTarget addresses an envelope to every registered agent.
const BroadcastTarget = "*"

// TypeSpec describes the delivery requirements of a message type.
type TypeSpec struct {
	Priority  int
	Reliable  bool
	Encrypted bool
}

// messageTypes is the static registry of message-type metadata. Unknown
// types are accepted; they fall back to the zero TypeSpec (unreliable,
// unencrypted, priority 0).
var messageTypes = map[string]TypeSpec{
	TypeCommand:   {Priority: PriorityHigh, Reliable: true, Encrypted: true},
	TypeQuery:     {Priority: PriorityMedium, Reliable: true},
	TypeResponse:  {Priority: PriorityMedium, Reliable: true},
	TypeBroadcast: {Priority: PriorityLow},
	TypeHeartbeat: {Priority: PriorityLow},
	TypeConsensus: {Priority: PriorityHigh, Reliable: true, Encrypted: true},
	TypeTask:      {Priority: PriorityHigh, Reliable: true},
	TypeResult:    {Priority: PriorityMedium, Reliable: true},
	TypeError:     {Priority: PriorityHigh, Reliable: true},
	TypeSync:      {Priority: PriorityMedium, Reliable: true},
}

// SpecFor returns the registered TypeSpec for a message type. Unknown type
// names yield the zero spec.
func SpecFor(msgType string) TypeSpec {
	return messageTypes[msgType]
}

// GossipMeta travels with a gossip envelope and is copied-and-extended at
// each forwarding hop.
type GossipMeta struct {
	OriginalID string   `json:"original_id" msgpack:"original_id"`
	Hops       int      `json:"hops" msgpack:"hops"`
	Seen       []string `json:"seen" msgpack:"seen"`
}

// Contains reports whether agentID is in the seen set.
func (g *GossipMeta) Contains(agentID string) bool {
	for _, id := range g.Seen {
		if id == agentID {
			return true
		}
	}
	return false
}

// Envelope is the unit of transmission between agents.
type Envelope struct {
	ID        string          `json:"id" msgpack:"id"`
	From      string          `json:"from" msgpack:"from"`
	To        string          `json:"to" msgpack:"to"` // "*" = all agents
	Type      string          `json:"type" msgpack:"type"`
	Protocol  string          `json:"protocol" msgpack:"protocol"`
	Timestamp int64           `json:"timestamp" msgpack:"timestamp"` // unix millis
	Payload   json.RawMessage `json:"payload" msgpack:"payload"`
	Encrypted bool            `json:"encrypted,omitempty" msgpack:"encrypted"`
	GroupID   string          `json:"group_id,omitempty" msgpack:"group_id"`
	Phase     string          `json:"phase,omitempty" msgpack:"phase"`
	Gossip    *GossipMeta     `json:"gossip,omitempty" msgpack:"gossip"`
}

// AckPayload correlates an acknowledgment with the message it answers.
// GroupID is set when acknowledging a multicast sub-envelope.
type AckPayload struct {
	MessageID string `json:"message_id"`
	GroupID   string `json:"group_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// ProposePayload solicits a vote from a validator.
type ProposePayload struct {
	ConsensusID string          `json:"consensus_id"`
	Proposal    json.RawMessage `json:"proposal"`
	Algorithm   string          `json:"algorithm"`
}

// VotePayload carries a validator's vote back to the proposer.
type VotePayload struct {
	ConsensusID string `json:"consensus_id"`
	AgentID     string `json:"agent_id"`
	Value       string `json:"value"`
}

// MulticastID returns the sub-envelope ID for one multicast recipient.
// Sub-envelopes stay unique while sharing the group ID.
func MulticastID(groupID, agentID string) string {
	return fmt.Sprintf("%s-%s", groupID, agentID)
}

// marshalPayload converts a caller-supplied message into the envelope's
// raw payload form.
func marshalPayload(message any) (json.RawMessage, error) {
	if raw, ok := message.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
