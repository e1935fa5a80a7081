package reason

import (
	"fmt"

	"github.com/symbolicdet/symbolicdet/pkg/facts"
	"github.com/symbolicdet/symbolicdet/pkg/ruledb"
)

// binding maps precondition variables to the fact terms they are bound to.
type binding map[string]facts.Term

// matchRule finds every satisfying assignment of the rule's precondition over
// the current window, via depth-first search over the All patterns.
// Firings that only differ in which facts matched (but bind the same tracks)
// are merged into one judgment spanning the union of their intervals.
func (e *Engine) matchRule(r *ruledb.Rule) []EventJudgment {
	pre := &r.Precondition.Data
	post := &r.Postcondition.Data
	if len(pre.All) == 0 {
		return nil
	}

	merged := map[string]*EventJudgment{}
	matched := make([]*facts.Fact, len(pre.All))
	e.searchAll(pre, post, r, 0, binding{}, matched, merged)

	out := make([]EventJudgment, 0, len(merged))
	for _, j := range merged {
		out = append(out, *j)
	}
	return out
}

// searchAll extends the binding one All pattern at a time. At the leaves it
// checks temporal constraints and the Any group, then records the firing.
func (e *Engine) searchAll(pre *ruledb.Precondition, post *ruledb.Postcondition, r *ruledb.Rule,
	depth int, b binding, matched []*facts.Fact, merged map[string]*EventJudgment) {

	if depth == len(pre.All) {
		if !temporalSatisfied(pre.Temporal, matched) {
			return
		}
		anyConf, ok := e.matchAny(pre.Any, b)
		if !ok {
			return
		}
		e.recordFiring(post, r, b, matched, anyConf, len(pre.Any) > 0, merged)
		return
	}

	pattern := &pre.All[depth]
	for i := range e.window {
		f := &e.window[i]
		ext, ok := unify(pattern, f, b)
		if !ok {
			continue
		}
		matched[depth] = f
		e.searchAll(pre, post, r, depth+1, ext, matched, merged)
	}
	matched[depth] = nil
}

// unify matches one fact against one pattern under an existing binding.
// On success it returns the extended binding (the input is never mutated).
func unify(p *ruledb.Pattern, f *facts.Fact, b binding) (binding, bool) {
	if p.Predicate != f.Predicate || len(p.Args) != len(f.Args) {
		return nil, false
	}
	var ext binding
	for i, arg := range p.Args {
		term := f.Args[i]
		if !ruledb.IsVariable(arg) {
			// Literal arguments only match literal terms.
			if term.IsTrack() || term.Lit != arg {
				return nil, false
			}
			continue
		}
		if bound, ok := b[arg]; ok {
			if bound != term {
				return nil, false
			}
			continue
		}
		if ext != nil {
			if prior, ok := ext[arg]; ok {
				if prior != term {
					return nil, false
				}
				continue
			}
		}
		if ext == nil {
			ext = make(binding, len(b)+len(p.Args))
			for k, v := range b {
				ext[k] = v
			}
		}
		ext[arg] = term
	}
	if ext == nil {
		return b, true
	}
	return ext, true
}

// matchAny checks the disjunction group: with a non-empty Any, at least one
// pattern must match some window fact under the binding. All of Any's
// variables are already bound, so this is a pure membership test. Returns the
// best matching fact's confidence; an empty Any always passes.
func (e *Engine) matchAny(any []ruledb.Pattern, b binding) (float32, bool) {
	if len(any) == 0 {
		return 1, true
	}
	best := float32(0)
	found := false
	for i := range any {
		for j := range e.window {
			f := &e.window[j]
			if _, ok := unify(&any[i], f, b); ok {
				found = true
				if f.Confidence > best {
					best = f.Confidence
				}
			}
		}
	}
	return best, found
}

// temporalSatisfied checks the rule's temporal constraints against the start
// frames of the matched facts.
func temporalSatisfied(constraints []ruledb.TemporalConstraint, matched []*facts.Fact) bool {
	for _, tc := range constraints {
		first := matched[tc.First].Frame
		second := matched[tc.Second].Frame
		switch tc.Kind {
		case "within":
			delta := first - second
			if delta < 0 {
				delta = -delta
			}
			if delta > tc.Frames {
				return false
			}
		case "before":
			if first > second {
				return false
			}
		}
	}
	return true
}

func (e *Engine) recordFiring(post *ruledb.Postcondition, r *ruledb.Rule,
	b binding, matched []*facts.Fact, anyConf float32, hasAny bool, merged map[string]*EventJudgment) {

	tracks := make([]int64, 0, len(post.Args))
	for _, v := range post.Args {
		term := b[v]
		if term.IsTrack() {
			tracks = append(tracks, term.Track)
		}
	}

	confs := make([]float32, 0, len(matched)+1)
	frameStart := matched[0].Frame
	frameEnd := matched[0].FrameEnd
	for _, f := range matched {
		confs = append(confs, f.Confidence)
		if f.Frame < frameStart {
			frameStart = f.Frame
		}
		if f.FrameEnd > frameEnd {
			frameEnd = f.FrameEnd
		}
	}
	if hasAny {
		confs = append(confs, anyConf)
	}
	conf := aggregate(post.Formula, confs) * e.sourceTrust(r)

	key := renderTracks(tracks)
	if prev, ok := merged[key]; ok {
		// Same binding matched through different facts: one sustained event.
		if frameStart < prev.FrameStart {
			prev.FrameStart = frameStart
		}
		if frameEnd > prev.FrameEnd {
			prev.FrameEnd = frameEnd
		}
		if conf > prev.Confidence {
			prev.Confidence = conf
		}
		return
	}
	merged[key] = &EventJudgment{
		Event:      post.Event,
		Tracks:     tracks,
		FrameStart: frameStart,
		FrameEnd:   frameEnd,
		Confidence: conf,
		RuleID:     r.RuleID,
		exclusive:  post.Exclusive,
	}
}

// aggregate combines fact confidences with the rule's formula.
func aggregate(formula string, confs []float32) float32 {
	if len(confs) == 0 {
		return 0
	}
	switch formula {
	case "min":
		m := confs[0]
		for _, c := range confs[1:] {
			if c < m {
				m = c
			}
		}
		return m
	case "mean":
		sum := float32(0)
		for _, c := range confs {
			sum += c
		}
		return sum / float32(len(confs))
	default:
		// product
		p := float32(1)
		for _, c := range confs {
			p *= c
		}
		return p
	}
}

func renderTracks(tracks []int64) string {
	s := ""
	for i, t := range tracks {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%v", t)
	}
	return s
}
