// Package scheduler picks one worker node for a request from the active set:
// capability matching, cost and load scoring, trust as a small tiebreaker.
package scheduler

import (
	"math"
	"sync"
	"time"

	"github.com/imattau/fed-AI-sub000/internal/protocol"
	"github.com/imattau/fed-AI-sub000/internal/registry"
)

// ModelAuto asks for the cheapest capability that fits the request.
const ModelAuto = "auto"

const cacheTTL = time.Second

// Selection reasons when no node can be picked.
const (
	ReasonNoNodes        = "no-nodes"
	ReasonNoCapableNodes = "no-capable-nodes"
)

// Candidate is one scored node with its best admissible capability.
type Candidate struct {
	Node       protocol.NodeDescriptor
	Capability protocol.Capability
	Cost       float64
	LoadFactor float64
	Score      float64
}

// Selection is the outcome of a scheduling pass.
type Selection struct {
	Selected *Candidate
	Reason   string
}

type Scheduler struct {
	reg  *registry.Registry
	topK int
	now  func() time.Time

	mu       sync.Mutex
	cached   []protocol.NodeDescriptor
	cacheRev uint64
	cacheAt  time.Time
}

// New builds a scheduler over the registry. topK > 0 enables the prefilter
// that caps how many ranked candidates are retained.
func New(reg *registry.Registry, topK int) *Scheduler {
	return &Scheduler{reg: reg, topK: topK, now: time.Now}
}

// Select returns the highest-scoring candidate, or a reason.
func (s *Scheduler) Select(req protocol.QuoteRequest) Selection {
	ranked, reason := s.Rank(req)
	if reason != "" {
		return Selection{Reason: reason}
	}
	return Selection{Selected: &ranked[0]}
}

// Rank returns all admissible candidates ordered best-first. Ties keep
// registry insertion order because the sort below is stable over it.
func (s *Scheduler) Rank(req protocol.QuoteRequest) ([]Candidate, string) {
	nodes := s.weightedNodes()
	if len(nodes) == 0 {
		return nil, ReasonNoNodes
	}

	inEst := EstimateInputTokens(req.Prompt)
	outEst := req.MaxTokens

	var out []Candidate
	for _, n := range nodes {
		cap, ok := bestCapability(n, req, inEst, outEst)
		if !ok {
			continue
		}
		if n.Capacity.MaxConcurrent <= 0 {
			continue
		}
		load := float64(n.Capacity.CurrentLoad) / float64(n.Capacity.MaxConcurrent)
		cost := cap.Pricing.InputRate*float64(inEst) + cap.Pricing.OutputRate*float64(outEst)
		score := -cost - load + n.TrustScore*0.01
		out = append(out, Candidate{
			Node:       n,
			Capability: cap,
			Cost:       cost,
			LoadFactor: load,
			Score:      score,
		})
	}
	if len(out) == 0 {
		return nil, ReasonNoCapableNodes
	}

	// Insertion-stable sort by descending score.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Score > out[j-1].Score; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if s.topK > 0 && len(out) > s.topK {
		out = out[:s.topK]
	}
	return out, ""
}

// weightedNodes memoizes the active set for one second per registry revision.
func (s *Scheduler) weightedNodes() []protocol.NodeDescriptor {
	rev := s.reg.Revision()
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && s.cacheRev == rev && now.Sub(s.cacheAt) < cacheTTL {
		return s.cached
	}
	s.cached = s.reg.Active()
	s.cacheRev = rev
	s.cacheAt = now
	return s.cached
}

// bestCapability picks the cheapest admissible capability on a node.
func bestCapability(n protocol.NodeDescriptor, req protocol.QuoteRequest, inEst, outEst int) (protocol.Capability, bool) {
	var best protocol.Capability
	bestCost := math.Inf(1)
	found := false
	for _, c := range n.Capabilities {
		if req.ModelID != ModelAuto && req.ModelID != c.ModelID {
			continue
		}
		if req.JobType != "" && !hasJobType(c, req.JobType) {
			continue
		}
		if c.ContextWindow < inEst+outEst {
			continue
		}
		cost := c.Pricing.InputRate*float64(inEst) + c.Pricing.OutputRate*float64(outEst)
		if cost < bestCost {
			best = c
			bestCost = cost
			found = true
		}
	}
	return best, found
}

func hasJobType(c protocol.Capability, jobType string) bool {
	if len(c.JobTypes) == 0 {
		return false
	}
	for _, jt := range c.JobTypes {
		if jt == jobType {
			return true
		}
	}
	return false
}

// EstimateInputTokens approximates tokens as prompt bytes over four.
func EstimateInputTokens(prompt string) int {
	if prompt == "" {
		return 0
	}
	return (len(prompt) + 3) / 4
}
