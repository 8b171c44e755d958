package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hivewire/hivewire/internal/store"
	"github.com/hivewire/hivewire/internal/swarm"
	"github.com/hivewire/hivewire/internal/transport"
)

func main() {
	agents := parseAgents(os.Args[1:])
	dbPath := parseDB(os.Args[1:])

	lb := transport.NewLoopback()
	hub := swarm.NewHub(swarm.Config{
		NodeID:           "queen",
		DispatchInterval: 20 * time.Millisecond,
		Channels:         lb.Factory(),
		Rand:             rand.New(rand.NewSource(time.Now().UnixNano())),
	})
	lb.Bind(hub.HandleEnvelope)

	var mem *store.Store
	if dbPath != "" {
		var err error
		mem, err = store.NewStore(dbPath)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer mem.Close()
		hub.On(swarm.EventMessageReceived, func(ev swarm.Event) {
			if err := mem.ArchiveEnvelope(ev.Envelope); err != nil {
				log.Printf("archive: %v", err)
			}
		})
		hub.On(swarm.EventConsensusCompleted, func(ev swarm.Event) {
			if err := mem.SaveConsensus(ev.Result, time.Now().UnixMilli()); err != nil {
				log.Printf("save consensus: %v", err)
			}
		})
	}

	hub.On(swarm.EventMessageDropped, func(ev swarm.Event) {
		log.Printf("dropped envelope %s", ev.Envelope.ID)
	})
	hub.On(swarm.EventError, func(ev swarm.Event) {
		log.Printf("swarm error: %v", ev.Err)
	})

	hub.Start()
	defer hub.Close()

	ids := make([]string, agents)
	for i := range ids {
		ids[i] = fmt.Sprintf("worker-%d", i+1)
		if _, err := hub.RegisterAgent(ids[i], map[string]string{"role": "worker"}); err != nil {
			log.Fatalf("register %s: %v", ids[i], err)
		}
	}
	fmt.Printf("registered %d agents\n", agents)

	// Every worker votes for the shortest candidate task plan.
	hub.OnProposal(func(agentID string, p swarm.ProposePayload) (string, bool) {
		var candidates []string
		if err := json.Unmarshal(p.Proposal, &candidates); err != nil || len(candidates) == 0 {
			return "", false
		}
		best := candidates[0]
		for _, c := range candidates[1:] {
			if len(c) < len(best) {
				best = c
			}
		}
		return best, true
	})

	if res, err := hub.Broadcast(map[string]string{"phase": "warmup"}, swarm.TypeBroadcast); err == nil {
		fmt.Printf("broadcast %s to %d agents\n", res.MessageID, res.RecipientCount)
	}

	if res, err := hub.Gossip(map[string]string{"rumor": "new shard map"}, swarm.TypeSync); err == nil {
		fmt.Printf("gossip %s seeded to %v\n", res.MessageID, res.InitialTargets)
	}

	res, err := hub.ConsensusWithOptions(
		[]string{"plan-alpha", "plan-b", "plan-gamma"},
		swarm.ConsensusOptions{Algorithm: swarm.AlgorithmByzantine, Timeout: 2 * time.Second},
	)
	if err != nil {
		log.Fatalf("consensus: %v", err)
	}
	fmt.Printf("consensus %s: winner=%s reached=%v confidence=%.2f\n",
		res.ConsensusID, res.Winner, res.ConsensusReached, res.Confidence)

	// Let the dispatcher drain before reporting.
	time.Sleep(500 * time.Millisecond)

	stats := hub.Statistics()
	fmt.Printf("agents: %d online / %d total\n", stats.Agents.Online, stats.Agents.Total)
	fmt.Printf("messages: sent=%d received=%d failed=%d buffered=%d\n",
		stats.Messages.Sent, stats.Messages.Received, stats.Messages.Failed, stats.Messages.Buffered)
	fmt.Printf("performance: avg latency %.1fms, success rate %.2f\n",
		stats.Performance.AvgLatencyMs, stats.Performance.SuccessRate)
}

func parseAgents(args []string) int {
	for i, arg := range args {
		if arg == "--agents" && i+1 < len(args) {
			return parseCount(args[i+1])
		}
		if strings.HasPrefix(arg, "--agents=") {
			return parseCount(strings.TrimPrefix(arg, "--agents="))
		}
	}
	return 6
}

func parseCount(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		fmt.Fprintf(os.Stderr, "Error: invalid agent count: %s\n", s)
		os.Exit(1)
	}
	return n
}

func parseDB(args []string) string {
	for i, arg := range args {
		if arg == "--db" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--db=") {
			return strings.TrimPrefix(arg, "--db=")
		}
	}
	return ""
}
