package swarm

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func registerWorkers(t *testing.T, hub *Hub, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("worker-%d", i+1)
		if _, err := hub.RegisterAgent(ids[i], nil); err != nil {
			t.Fatalf("register %s: %v", ids[i], err)
		}
	}
	return ids
}

func TestGossipSeedFanout(t *testing.T) {
	hub := newTestHub(t, Config{GossipFanout: 3, Channels: nullFactory})
	registerWorkers(t, hub, 10)

	res, err := hub.Gossip(map[string]string{"rumor": "r1"}, TypeSync)
	if err != nil {
		t.Fatalf("gossip: %v", err)
	}
	if len(res.InitialTargets) != 3 {
		t.Fatalf("initial targets = %d, want 3", len(res.InitialTargets))
	}
	seen := make(map[string]bool)
	for _, id := range res.InitialTargets {
		if seen[id] {
			t.Errorf("duplicate seed target %s", id)
		}
		seen[id] = true
	}
}

func TestGossipFanoutCappedBySwarmSize(t *testing.T) {
	hub := newTestHub(t, Config{GossipFanout: 5, Channels: nullFactory})
	registerWorkers(t, hub, 2)

	res, err := hub.Gossip("r", TypeSync)
	if err != nil {
		t.Fatalf("gossip: %v", err)
	}
	if len(res.InitialTargets) != 2 {
		t.Errorf("initial targets = %d, want 2", len(res.InitialTargets))
	}
}

func TestGossipNoDuplicateProcessingAndHopBound(t *testing.T) {
	const agents, fanout, maxHops = 10, 3, 3
	hub := newTestHub(t, Config{
		GossipFanout:  fanout,
		GossipMaxHops: maxHops,
		Rand:          rand.New(rand.NewSource(42)),
	})
	registerWorkers(t, hub, agents)

	var mu sync.Mutex
	processed := make(map[string]int) // agent -> deliveries of the round
	maxSeenHops := 0

	hub.OnDeliver(func(env *Envelope) {
		if env.Protocol != ProtoGossip {
			return
		}
		mu.Lock()
		processed[env.To]++
		if env.Gossip.Hops > maxSeenHops {
			maxSeenHops = env.Gossip.Hops
		}
		mu.Unlock()
	})

	if _, err := hub.Gossip(map[string]string{"rumor": "shard-map"}, TypeSync); err != nil {
		t.Fatalf("gossip: %v", err)
	}

	// Wait until propagation settles: no new deliveries across a full
	// dispatch window.
	var last int
	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		total := 0
		for _, n := range processed {
			total += n
		}
		mu.Unlock()
		settled := total == last && total > 0
		last = total
		return settled
	}, "gossip propagation settled")

	// Give any straggling forwards a full dispatch window to surface
	// before asserting.
	time.Sleep(250 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for id, n := range processed {
		if n > 1 {
			t.Errorf("agent %s processed the round %d times, want at most 1", id, n)
		}
	}
	// Envelopes are delivered before the hop increment, so a delivered
	// hop count of maxHops or more means forwarding ran past the bound.
	if maxSeenHops >= maxHops {
		t.Errorf("observed hop count %d, bound is %d", maxSeenHops, maxHops)
	}
}

func TestGossipDiscardsWhenAlreadySeen(t *testing.T) {
	hub := newTestHub(t, Config{Channels: nullFactory})
	registerWorkers(t, hub, 3)

	var mu sync.Mutex
	delivered := 0
	hub.OnDeliver(func(env *Envelope) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	hub.HandleEnvelope(&Envelope{
		ID:       "g1",
		From:     "worker-1",
		To:       "worker-2",
		Type:     TypeSync,
		Protocol: ProtoGossip,
		Gossip: &GossipMeta{
			OriginalID: "round-1",
			Hops:       1,
			Seen:       []string{"worker-1", "worker-2"},
		},
	})

	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Errorf("envelope with recipient in seen set was delivered %d times", delivered)
	}
}

func TestGossipSkipsOfflineAgents(t *testing.T) {
	clock := newFakeClock()
	hub := newTestHub(t, Config{
		GossipFanout:      5,
		Channels:          nullFactory,
		Now:               clock.Now,
		HeartbeatInterval: 10 * time.Millisecond,
		OfflineAfter:      50 * time.Millisecond,
	})
	ids := registerWorkers(t, hub, 3)

	// Silence worker-1 past the offline window; keep the others fresh.
	clock.Advance(60 * time.Millisecond)
	hub.HandleEnvelope(&Envelope{ID: "k2", From: ids[1], To: "hub", Protocol: ProtoBroadcast})
	hub.HandleEnvelope(&Envelope{ID: "k3", From: ids[2], To: "hub", Protocol: ProtoBroadcast})

	waitFor(t, 2*time.Second, func() bool {
		a, _ := hub.Agent(ids[0])
		return a.Status == StatusOffline
	}, "worker-1 marked offline")

	res, err := hub.Gossip("r", TypeSync)
	if err != nil {
		t.Fatalf("gossip: %v", err)
	}
	for _, id := range res.InitialTargets {
		if id == ids[0] {
			t.Errorf("offline agent %s selected as gossip target", id)
		}
	}
	if len(res.InitialTargets) != 2 {
		t.Errorf("initial targets = %v, want the 2 online agents", res.InitialTargets)
	}
}

func TestGossipSeenPruning(t *testing.T) {
	clock := newFakeClock()
	hub := newTestHub(t, Config{Now: clock.Now, Channels: nullFactory})
	registerWorkers(t, hub, 2)

	hub.HandleEnvelope(&Envelope{
		ID:       "g1",
		From:     "worker-1",
		To:       "worker-2",
		Type:     TypeSync,
		Protocol: ProtoGossip,
		Gossip:   &GossipMeta{OriginalID: "round-1", Seen: []string{"worker-1"}},
	})

	hub.mu.Lock()
	if len(hub.gossipSeen) != 1 {
		hub.mu.Unlock()
		t.Fatal("expected dedup state for the round")
	}
	hub.mu.Unlock()

	clock.Advance(gossipSeenTTL + time.Minute)
	hub.mu.Lock()
	pruned := hub.pruneGossipSeen(clock.Now())
	remaining := len(hub.gossipSeen)
	hub.mu.Unlock()

	if pruned != 1 || remaining != 0 {
		t.Errorf("pruned %d, remaining %d; want 1 and 0", pruned, remaining)
	}
}

func TestPickAgentsReproducibleWithSeed(t *testing.T) {
	pick := func() []string {
		hub := newTestHub(t, Config{
			GossipFanout: 4,
			Channels:     nullFactory,
			Rand:         rand.New(rand.NewSource(7)),
		})
		registerWorkers(t, hub, 8)
		res, err := hub.Gossip("r", TypeSync)
		if err != nil {
			t.Fatalf("gossip: %v", err)
		}
		return res.InitialTargets
	}

	a, b := pick(), pick()
	if len(a) != len(b) {
		t.Fatalf("selections differ in length: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("seeded selections differ: %v vs %v", a, b)
		}
	}
}
