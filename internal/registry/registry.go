// Package registry holds the static phase graph a pipeline walks through.
package registry

import (
	"fmt"
	"time"

	"phaseline/internal/config"
	"phaseline/internal/domain"
)

type StepKind string

const (
	// StepSequential advances to Phase with no external trigger.
	StepSequential StepKind = "sequential"
	// StepGated parks the project until Gate is resolved; Phase runs on approval.
	StepGated StepKind = "gated"
	// StepLoop re-enters Phase along the quality loop edge.
	StepLoop StepKind = "loop"
	// StepTerminal ends the pipeline.
	StepTerminal StepKind = "terminal"
)

type Step struct {
	Kind  StepKind
	Phase string
	Gate  domain.GateKind
	// Exhausted marks a gate opened because the loop budget ran out.
	Exhausted bool
}

type Registry struct {
	order   []string
	rank    map[string]int
	nodes   map[string]config.Phase
	loop    config.QualityLoop
	reentry map[domain.FeedbackCategory]string
	cfg     *config.Config
}

// New builds the graph from configuration. The config is validated again so
// a Registry is never built over an inconsistent graph.
func New(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		nodes:   make(map[string]config.Phase, len(cfg.Pipeline.Phases)),
		rank:    make(map[string]int, len(cfg.Pipeline.Phases)),
		loop:    cfg.Pipeline.QualityLoop,
		reentry: make(map[domain.FeedbackCategory]string),
		cfg:     cfg,
	}
	for _, p := range cfg.Pipeline.Phases {
		r.order = append(r.order, p.ID)
		r.nodes[p.ID] = p
	}
	// rank follows the forward edges from the entry phase; phases off that
	// path keep their declaration position after it.
	for id := r.order[0]; id != ""; id = r.nodes[id].Next {
		if _, ok := r.rank[id]; ok {
			break
		}
		r.rank[id] = len(r.rank)
	}
	for i, id := range r.order {
		if _, ok := r.rank[id]; !ok {
			r.rank[id] = len(r.order) + i
		}
	}
	for category, phase := range cfg.Iterations.Reentry {
		c := domain.FeedbackCategory(category)
		if !c.Valid() {
			return nil, fmt.Errorf("unknown feedback category %s", category)
		}
		r.reentry[c] = phase
	}
	if r.loop.From != "" && r.loop.Gate == "" {
		r.loop.Gate = r.nodes[r.loop.From].Gate
		if r.loop.Gate == "" {
			r.loop.Gate = string(domain.GateQAApproval)
		}
	}
	return r, nil
}

// First returns the entry phase.
func (r *Registry) First() string {
	return r.order[0]
}

// Phases returns phase ids in declaration order.
func (r *Registry) Phases() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Has(phase string) bool {
	_, ok := r.nodes[phase]
	return ok
}

// Capability maps a phase to the worker capability that runs it.
func (r *Registry) Capability(phase string) (string, error) {
	n, ok := r.nodes[phase]
	if !ok {
		return "", fmt.Errorf("unknown phase %s", phase)
	}
	return n.Capability, nil
}

// Capabilities lists every capability the graph needs, in phase order.
func (r *Registry) Capabilities() []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range r.order {
		c := r.nodes[id].Capability
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Timeout(phase string) time.Duration { return r.cfg.TimeoutFor(phase) }
func (r *Registry) Retries(phase string) int           { return r.cfg.RetriesFor(phase) }
func (r *Registry) LoopBudget() int                    { return r.loop.Budget }

// Reentry returns the phase a feedback category re-enters.
func (r *Registry) Reentry(category domain.FeedbackCategory) (string, error) {
	phase, ok := r.reentry[category]
	if !ok {
		return "", fmt.Errorf("no reentry phase for category %s", category)
	}
	return phase, nil
}

// Before reports whether phase a runs strictly before phase b on the forward
// path. Unknown phases are never before anything.
func (r *Registry) Before(a, b string) bool {
	ra, okA := r.rank[a]
	rb, okB := r.rank[b]
	return okA && okB && ra < rb
}

// Next resolves the step after phase finished with verdict. loopsUsed is the
// number of loop edges already taken in the current pass.
func (r *Registry) Next(phase string, verdict domain.Verdict, loopsUsed int) (Step, error) {
	n, ok := r.nodes[phase]
	if !ok {
		return Step{}, fmt.Errorf("unknown phase %s", phase)
	}
	if r.loop.From == phase && verdict == domain.VerdictFail {
		if loopsUsed < r.loop.Budget {
			return Step{Kind: StepLoop, Phase: r.loop.To}, nil
		}
		return Step{Kind: StepGated, Phase: n.Next, Gate: domain.GateKind(r.loop.Gate), Exhausted: true}, nil
	}
	switch {
	case n.Next == "":
		return Step{Kind: StepTerminal}, nil
	case n.Gate != "":
		return Step{Kind: StepGated, Phase: n.Next, Gate: domain.GateKind(n.Gate)}, nil
	default:
		return Step{Kind: StepSequential, Phase: n.Next}, nil
	}
}
