// Package reason evaluates the fact stream against the active rule set and
// emits event judgments. Matching is a windowed join: the engine holds a
// sliding fact window sized to the longest temporal constraint among active
// rules, never the whole stream.
package reason

import (
	"sort"

	"github.com/cyclopcam/logs"
	"github.com/symbolicdet/symbolicdet/pkg/facts"
	"github.com/symbolicdet/symbolicdet/pkg/ruledb"
)

// EventJudgment is a final, confidence-scored recognition of an event, bound
// to specific tracks and a frame interval. Immutable once emitted.
type EventJudgment struct {
	Event      string  `json:"event"`
	Tracks     []int64 `json:"tracks"`
	FrameStart int     `json:"frameStart"`
	FrameEnd   int     `json:"frameEnd"`
	Confidence float32 `json:"confidence"`
	RuleID     string  `json:"ruleID"`

	exclusive bool
}

type Options struct {
	// MinWindowFrames is the lower bound on the sliding window, in frames.
	// The effective window is the max of this and the longest "within"
	// constraint among active rules.
	MinWindowFrames int
	// TrustLLM and TrustHuman scale rule confidence by source.
	TrustLLM   float32
	TrustHuman float32
}

func DefaultOptions() Options {
	return Options{
		MinWindowFrames: 8,
		TrustLLM:        0.9,
		TrustHuman:      1.0,
	}
}

// Engine is the reasoning core for one stream. Not safe for concurrent use;
// frame batches are strictly ordered per stream.
type Engine struct {
	log  logs.Log
	opts Options

	rules        []ruledb.Rule
	windowFrames int
	window       []facts.Fact

	// emissions we've already made, so a sustained match produces exactly one
	// judgment rather than one per frame batch
	emitted map[emissionKey]*emissionState
}

type emissionKey struct {
	ruleID string
	event  string
	args   string // rendered bound arguments
}

type emissionState struct {
	frameStart int
	frameEnd   int
}

func NewEngine(logger logs.Log, opts Options) *Engine {
	e := &Engine{
		log:     logger,
		opts:    opts,
		emitted: map[emissionKey]*emissionState{},
	}
	e.SetRules(nil)
	return e
}

// SetRules replaces the active rule snapshot. The snapshot holds for every
// batch until the next call; an in-progress batch never observes a partial
// promotion. Newly activated rules apply to subsequent batches only.
func (e *Engine) SetRules(rules []ruledb.Rule) {
	e.rules = rules
	e.windowFrames = e.opts.MinWindowFrames
	for i := range rules {
		if w := rules[i].MaxWindow(); w > e.windowFrames {
			e.windowFrames = w
		}
	}
}

// WindowFrames returns the current sliding window size in frames.
func (e *Engine) WindowFrames() int {
	return e.windowFrames
}

// ProcessBatch appends one frame batch of facts to the window and returns the
// judgments newly satisfied by the window contents. frameIndex is the batch's
// frame; facts are append-only and ordered by frame.
func (e *Engine) ProcessBatch(frameIndex int, newFacts []facts.Fact) []EventJudgment {
	e.window = append(e.window, newFacts...)
	e.evict(frameIndex)

	// Collect every firing of every rule, then resolve conflicts.
	firings := []EventJudgment{}
	for i := range e.rules {
		firings = append(firings, e.matchRule(&e.rules[i])...)
	}

	judgments := resolveConflicts(firings)

	// Suppress re-emission of a binding whose interval overlaps what we
	// already emitted for it, and record the rest.
	out := []EventJudgment{}
	for _, j := range judgments {
		key := emissionKey{ruleID: j.RuleID, event: j.Event, args: renderTracks(j.Tracks)}
		if prev, ok := e.emitted[key]; ok && j.FrameStart <= prev.frameEnd && j.FrameEnd >= prev.frameStart {
			// Same sustained match; extend its recorded extent.
			if j.FrameEnd > prev.frameEnd {
				prev.frameEnd = j.FrameEnd
			}
			continue
		}
		e.emitted[key] = &emissionState{frameStart: j.FrameStart, frameEnd: j.FrameEnd}
		out = append(out, j)
	}

	if len(out) > 0 {
		for _, j := range out {
			e.log.Infof("Reason: event '%v' tracks %v frames %v-%v confidence %.3f (rule %v)",
				j.Event, j.Tracks, j.FrameStart, j.FrameEnd, j.Confidence, j.RuleID)
		}
	}
	return out
}

// Reset drops all window state and emission history. Used when a stream is
// cancelled; evaluation never resumes across a reset.
func (e *Engine) Reset() {
	e.window = nil
	e.emitted = map[emissionKey]*emissionState{}
}

func (e *Engine) evict(frameIndex int) {
	// Keep one frame beyond the longest constraint, so that a fact pair
	// exactly windowFrames apart can still satisfy "within windowFrames".
	oldest := frameIndex - e.windowFrames
	keep := e.window[:0]
	for _, f := range e.window {
		if f.FrameEnd >= oldest {
			keep = append(keep, f)
		}
	}
	e.window = keep

	// Emission bookkeeping that has fallen behind the window can no longer
	// overlap a future firing; drop it so long streams stay bounded.
	for k, st := range e.emitted {
		if st.frameEnd < oldest {
			delete(e.emitted, k)
		}
	}
}

func (e *Engine) sourceTrust(r *ruledb.Rule) float32 {
	if r.Source == ruledb.RuleSourceHuman {
		return e.opts.TrustHuman
	}
	return e.opts.TrustLLM
}

// resolveConflicts deterministically reduces overlapping firings.
// Two judgments conflict when their track sets intersect, their frame
// intervals overlap, and they carry the same event label (or either rule is
// marked exclusive). The highest confidence wins; ties go to the smaller
// rule ID.
func resolveConflicts(firings []EventJudgment) []EventJudgment {
	// Deterministic order: strongest first, rule ID as tie-break.
	sort.SliceStable(firings, func(i, j int) bool {
		if firings[i].Confidence != firings[j].Confidence {
			return firings[i].Confidence > firings[j].Confidence
		}
		return firings[i].RuleID < firings[j].RuleID
	})

	kept := []EventJudgment{}
	for _, f := range firings {
		conflict := false
		for k := range kept {
			if !intervalsOverlap(f.FrameStart, f.FrameEnd, kept[k].FrameStart, kept[k].FrameEnd) {
				continue
			}
			if !tracksIntersect(f.Tracks, kept[k].Tracks) {
				continue
			}
			if f.Event == kept[k].Event || f.exclusive || kept[k].exclusive {
				conflict = true
				break
			}
		}
		if !conflict {
			kept = append(kept, f)
		}
	}

	// Emit in a stable order: by interval start, then event label.
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].FrameStart != kept[j].FrameStart {
			return kept[i].FrameStart < kept[j].FrameStart
		}
		return kept[i].Event < kept[j].Event
	})
	return kept
}

func intervalsOverlap(aStart, aEnd, bStart, bEnd int) bool {
	return aStart <= bEnd && aEnd >= bStart
}

func tracksIntersect(a, b []int64) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
