package swarm

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Consensus algorithms.
const (
	AlgorithmMajority  = "majority"
	AlgorithmWeighted  = "weighted"
	AlgorithmByzantine = "byzantine"
)

// NoConsensus is the sentinel winner when a round fails to certify.
const NoConsensus = "no_consensus"

// coordinatorWeight is the extra ballot weight the coordinator's vote
// carries under the weighted algorithm.
const coordinatorWeight = 2

// ConsensusResult is the sealed outcome of one round.
type ConsensusResult struct {
	ConsensusID      string         `json:"consensus_id"`
	Winner           string         `json:"winner"`
	ConsensusReached bool           `json:"consensus_reached"`
	Confidence       float64        `json:"confidence"`
	VoteCount        map[string]int `json:"vote_count"`
	Algorithm        string         `json:"algorithm"`
}

// ConsensusOptions tune a single round. Zero values fall back to the hub
// configuration.
type ConsensusOptions struct {
	Algorithm       string
	Quorum          float64
	CoordinatorVote string // weighted algorithm only: the coordinator's ballot
	Validators      []string
	Timeout         time.Duration
}

// round tracks an in-flight consensus round. Votes arrive on the channel
// from the protocol handler; the buffer is sized for every validator so
// the handler never blocks.
type round struct {
	votes chan VotePayload
}

// Consensus runs a round with the hub's default algorithm. When no
// validators are given, all currently online agents vote.
func (h *Hub) Consensus(proposal any, validators ...string) (*ConsensusResult, error) {
	return h.ConsensusWithOptions(proposal, ConsensusOptions{Validators: validators})
}

// ConsensusWithOptions sends a propose envelope to each validator,
// collects votes until every validator answers or the window closes, and
// tallies. Validators that never answer count as abstentions; an
// individual vote request is never retried. The sealed result is
// broadcast to the whole swarm.
func (h *Hub) ConsensusWithOptions(proposal any, opts ConsensusOptions) (*ConsensusResult, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = h.cfg.Algorithm
	}
	if opts.Quorum == 0 {
		opts.Quorum = h.cfg.Quorum
	}
	if opts.Timeout == 0 {
		opts.Timeout = h.cfg.VoteTimeout
	}
	validators := opts.Validators
	if len(validators) == 0 {
		validators = h.OnlineAgents()
		sort.Strings(validators)
	}
	if len(validators) == 0 {
		return nil, ErrNoValidators
	}

	raw, err := marshalPayload(proposal)
	if err != nil {
		return nil, err
	}
	consensusID := uuid.NewString()
	payload, err := json.Marshal(ProposePayload{
		ConsensusID: consensusID,
		Proposal:    raw,
		Algorithm:   opts.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal proposal: %w", err)
	}

	spec := SpecFor(TypeConsensus)
	envs := make([]*Envelope, 0, len(validators))
	for _, v := range validators {
		env := h.newEnvelope(v, TypeConsensus, ProtoConsensus, payload)
		env.Phase = PhasePropose
		if err := h.sealEnvelope(env, spec); err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}

	r := &round{votes: make(chan VotePayload, len(validators))}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.rounds[consensusID] = r
	var dropped []*Envelope
	for _, env := range envs {
		if d := h.buffer.push(env); d != nil {
			dropped = append(dropped, d)
		}
	}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.rounds, consensusID)
		h.mu.Unlock()
	}()
	for _, d := range dropped {
		h.noteDropped(d)
	}

	// Collect votes until the validator set is exhausted or the window
	// closes. Missing validators contribute abstentions.
	expected := make(map[string]bool, len(validators))
	for _, v := range validators {
		expected[v] = true
	}
	votes := make(map[string]string)
	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
collect:
	for len(votes) < len(validators) {
		select {
		case v := <-r.votes:
			if expected[v.AgentID] {
				if _, dup := votes[v.AgentID]; !dup {
					votes[v.AgentID] = v.Value
				}
			}
		case <-timer.C:
			break collect
		case <-h.stop:
			return nil, ErrClosed
		}
	}

	result := tallyVotes(consensusID, opts, votes, len(validators))

	// Announce so non-validators also learn the outcome.
	if data, err := json.Marshal(result); err == nil {
		ann := h.newEnvelope(BroadcastTarget, TypeConsensus, ProtoBroadcast, data)
		ann.Phase = PhaseResult
		if err := h.sealEnvelope(ann, spec); err == nil {
			h.enqueue(ann)
		}
	}
	h.emit(Event{Type: EventConsensusCompleted, Result: result})
	return result, nil
}

// handleConsensus processes inbound consensus-protocol envelopes: propose
// solicits a local vote, vote feeds an in-flight round, result surfaces a
// remote round's outcome.
func (h *Hub) handleConsensus(env *Envelope) {
	switch env.Phase {
	case PhasePropose:
		var p ProposePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.noteError(fmt.Errorf("propose payload of %s: %w", env.ID, err))
			return
		}
		h.mu.Lock()
		fn := h.proposalFn
		h.mu.Unlock()
		if fn == nil {
			return // no voter wired in: abstain
		}
		value, ok := fn(env.To, p)
		if !ok {
			return
		}
		payload, err := json.Marshal(VotePayload{
			ConsensusID: p.ConsensusID,
			AgentID:     env.To,
			Value:       value,
		})
		if err != nil {
			return
		}
		vote := h.newEnvelope(env.From, TypeConsensus, ProtoConsensus, payload)
		vote.Phase = PhaseVote
		vote.From = env.To
		if err := h.sealEnvelope(vote, SpecFor(TypeConsensus)); err != nil {
			h.noteError(err)
			return
		}
		h.enqueue(vote)

	case PhaseVote:
		var v VotePayload
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			h.noteError(fmt.Errorf("vote payload of %s: %w", env.ID, err))
			return
		}
		h.mu.Lock()
		r := h.rounds[v.ConsensusID]
		h.mu.Unlock()
		if r != nil {
			select {
			case r.votes <- v:
			default: // round already sealed
			}
		}

	case PhaseResult:
		var res ConsensusResult
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			return
		}
		h.emit(Event{Type: EventConsensusCompleted, Result: &res})
	}
}

// tallyVotes reduces a votes map to a ConsensusResult. Order-independent;
// ties between equal top counts break lexically by value so the outcome
// is deterministic.
func tallyVotes(consensusID string, opts ConsensusOptions, votes map[string]string, validatorCount int) *ConsensusResult {
	counts := make(map[string]int)
	for _, v := range votes {
		counts[v]++
	}
	cast := len(votes)
	denom := cast
	if opts.Algorithm == AlgorithmWeighted && opts.CoordinatorVote != "" {
		counts[opts.CoordinatorVote] += coordinatorWeight
		denom = cast + coordinatorWeight
	}

	res := &ConsensusResult{
		ConsensusID: consensusID,
		Algorithm:   opts.Algorithm,
		VoteCount:   counts,
	}
	if len(counts) == 0 {
		res.Winner = NoConsensus
		return res
	}

	values := make([]string, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Strings(values)
	winner := values[0]
	for _, v := range values[1:] {
		if counts[v] > counts[winner] {
			winner = v
		}
	}
	winCount := counts[winner]

	switch opts.Algorithm {
	case AlgorithmByzantine:
		if float64(winCount)/float64(validatorCount) >= opts.Quorum {
			res.Winner = winner
			res.ConsensusReached = true
			res.Confidence = float64(winCount) / float64(denom)
		} else {
			res.Winner = NoConsensus
		}
	default: // majority, weighted
		res.Winner = winner
		res.ConsensusReached = true
		res.Confidence = float64(winCount) / float64(denom)
	}
	return res
}
