package swarm

import (
	"encoding/json"
	"testing"
)

func TestSpecForKnownTypes(t *testing.T) {
	if s := SpecFor(TypeConsensus); !s.Reliable || !s.Encrypted || s.Priority != PriorityHigh {
		t.Errorf("consensus spec = %+v", s)
	}
	if s := SpecFor(TypeHeartbeat); s.Reliable || s.Encrypted || s.Priority != PriorityLow {
		t.Errorf("heartbeat spec = %+v", s)
	}
	if s := SpecFor(TypeQuery); !s.Reliable || s.Encrypted {
		t.Errorf("query spec = %+v", s)
	}
}

func TestSpecForUnknownType(t *testing.T) {
	s := SpecFor("carrier-pigeon")
	if s.Reliable || s.Encrypted || s.Priority != 0 {
		t.Errorf("unknown type spec = %+v, want zero value", s)
	}
}

func TestMulticastID(t *testing.T) {
	if got := MulticastID("g1", "worker-2"); got != "g1-worker-2" {
		t.Errorf("MulticastID = %q, want %q", got, "g1-worker-2")
	}
}

func TestGossipMetaContains(t *testing.T) {
	meta := &GossipMeta{Seen: []string{"a", "b"}}
	if !meta.Contains("a") || meta.Contains("c") {
		t.Errorf("Contains misbehaved for seen set %v", meta.Seen)
	}
}

func TestMarshalPayloadPassthrough(t *testing.T) {
	raw := json.RawMessage(`{"already":"encoded"}`)
	got, err := marshalPayload(raw)
	if err != nil {
		t.Fatalf("marshalPayload: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("raw payload re-encoded: %s", got)
	}

	got, err = marshalPayload(map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("marshalPayload: %v", err)
	}
	var decoded map[string]int
	if err := json.Unmarshal(got, &decoded); err != nil || decoded["n"] != 1 {
		t.Errorf("decoded payload = %v, err %v", decoded, err)
	}
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	env := &Envelope{
		ID:        "m1",
		From:      "hub",
		To:        "worker-1",
		Type:      TypeSync,
		Protocol:  ProtoGossip,
		Timestamp: 1717243200000,
		Payload:   json.RawMessage(`{"k":"v"}`),
		Gossip:    &GossipMeta{OriginalID: "r1", Hops: 2, Seen: []string{"hub", "worker-9"}},
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Envelope
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != env.ID || back.Gossip == nil || back.Gossip.Hops != 2 || !back.Gossip.Contains("worker-9") {
		t.Errorf("round trip lost fields: %+v", back)
	}
}
