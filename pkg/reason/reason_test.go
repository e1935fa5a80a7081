package reason

import (
	"testing"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"github.com/symbolicdet/symbolicdet/pkg/facts"
	"github.com/symbolicdet/symbolicdet/pkg/ruledb"
)

func makeRule(ruleID string, source ruledb.RuleSource, pre ruledb.Precondition, post ruledb.Postcondition) ruledb.Rule {
	preJ := dbh.JSONField[ruledb.Precondition]{}
	preJ.Data = pre
	postJ := dbh.JSONField[ruledb.Postcondition]{}
	postJ.Data = post
	return ruledb.Rule{
		RuleID:        ruleID,
		Precondition:  &preJ,
		Postcondition: &postJ,
		Source:        source,
		Status:        ruledb.RuleStatusActive,
	}
}

func pickupRule() ruledb.Rule {
	return makeRule("rule-pickup", ruledb.RuleSourceHuman,
		ruledb.Precondition{
			All: []ruledb.Pattern{
				{Predicate: "distance", Args: []string{"P", "B", "near"}},
				{Predicate: "is_class", Args: []string{"B", "box"}},
			},
			Temporal: []ruledb.TemporalConstraint{
				{Kind: "within", First: 0, Second: 1, Frames: 5},
			},
		},
		ruledb.Postcondition{
			Event:   "pickup",
			Args:    []string{"P", "B"},
			Formula: "product",
		})
}

func isClassFact(track int64, class string, frame int, conf float32) facts.Fact {
	return facts.Fact{
		Predicate:  "is_class",
		Args:       []facts.Term{facts.TrackTerm(track), facts.LitTerm(class)},
		Frame:      frame,
		FrameEnd:   frame,
		Confidence: conf,
	}
}

func distanceFact(a, b int64, bucket string, frame int, conf float32) facts.Fact {
	return facts.Fact{
		Predicate:  "distance",
		Args:       []facts.Term{facts.TrackTerm(a), facts.TrackTerm(b), facts.LitTerm(bucket)},
		Frame:      frame,
		FrameEnd:   frame,
		Confidence: conf,
	}
}

// A person and a box converge over 5 frames; when distance reaches "near" the
// pickup rule fires exactly once, with the interval covering all 5 frames.
func TestPickupScenario(t *testing.T) {
	engine := NewEngine(logs.NewTestingLog(t), DefaultOptions())
	engine.SetRules([]ruledb.Rule{pickupRule()})

	buckets := []string{"far", "mid", "mid", "mid", "near"}
	total := []EventJudgment{}
	for frame := 1; frame <= 5; frame++ {
		batch := []facts.Fact{
			isClassFact(1, "person", frame, 0.9),
			isClassFact(2, "box", frame, 0.9),
			distanceFact(1, 2, buckets[frame-1], frame, 0.9),
		}
		judgments := engine.ProcessBatch(frame, batch)
		if frame < 5 {
			require.Empty(t, judgments, "frame %v", frame)
		}
		total = append(total, judgments...)
	}

	require.Len(t, total, 1)
	j := total[0]
	require.Equal(t, "pickup", j.Event)
	require.Equal(t, []int64{1, 2}, j.Tracks)
	require.Equal(t, 1, j.FrameStart)
	require.Equal(t, 5, j.FrameEnd)
	require.Equal(t, "rule-pickup", j.RuleID)
	// product of the two strongest constituent facts, human source trust 1.0
	require.InDelta(t, 0.81, j.Confidence, 1e-4)

	// The match is sustained on the next frame; no second judgment
	judgments := engine.ProcessBatch(6, []facts.Fact{
		isClassFact(1, "person", 6, 0.9),
		isClassFact(2, "box", 6, 0.9),
		distanceFact(1, 2, "near", 6, 0.9),
	})
	require.Empty(t, judgments)
}

func TestTemporalWithinRejects(t *testing.T) {
	engine := NewEngine(logs.NewTestingLog(t), DefaultOptions())
	engine.SetRules([]ruledb.Rule{pickupRule()})

	// The box is only identified at frame 1; "near" arrives at frame 8,
	// outside the 5 frame bound.
	judgments := engine.ProcessBatch(1, []facts.Fact{isClassFact(2, "box", 1, 0.9)})
	require.Empty(t, judgments)
	for frame := 2; frame <= 7; frame++ {
		require.Empty(t, engine.ProcessBatch(frame, nil))
	}
	judgments = engine.ProcessBatch(8, []facts.Fact{distanceFact(1, 2, "near", 8, 0.9)})
	require.Empty(t, judgments)
}

// Facts exactly K frames apart satisfy "within K": the window must retain the
// older fact at the boundary.
func TestTemporalWithinBoundary(t *testing.T) {
	rule := pickupRule()
	rule.Precondition.Data.Temporal[0].Frames = 10

	engine := NewEngine(logs.NewTestingLog(t), DefaultOptions())
	engine.SetRules([]ruledb.Rule{rule})

	require.Empty(t, engine.ProcessBatch(1, []facts.Fact{isClassFact(2, "box", 1, 0.9)}))
	for frame := 2; frame <= 10; frame++ {
		require.Empty(t, engine.ProcessBatch(frame, nil))
	}
	judgments := engine.ProcessBatch(11, []facts.Fact{distanceFact(1, 2, "near", 11, 0.9)})
	require.Len(t, judgments, 1)
	require.Equal(t, "pickup", judgments[0].Event)
	require.Equal(t, 1, judgments[0].FrameStart)
	require.Equal(t, 11, judgments[0].FrameEnd)
}

func TestTemporalBefore(t *testing.T) {
	rule := makeRule("rule-ordered", ruledb.RuleSourceHuman,
		ruledb.Precondition{
			All: []ruledb.Pattern{
				{Predicate: "overlaps", Args: []string{"A", "B"}},
				{Predicate: "distance", Args: []string{"A", "B", "far"}},
			},
			Temporal: []ruledb.TemporalConstraint{
				{Kind: "before", First: 0, Second: 1},
			},
		},
		ruledb.Postcondition{Event: "separated", Args: []string{"A", "B"}})

	engine := NewEngine(logs.NewTestingLog(t), DefaultOptions())
	engine.SetRules([]ruledb.Rule{rule})

	// far before overlaps: wrong order, must not fire
	require.Empty(t, engine.ProcessBatch(1, []facts.Fact{distanceFact(1, 2, "far", 1, 0.9)}))
	require.Empty(t, engine.ProcessBatch(2, nil))

	overlapFact := facts.Fact{
		Predicate:  "overlaps",
		Args:       []facts.Term{facts.TrackTerm(1), facts.TrackTerm(2)},
		Frame:      3,
		FrameEnd:   3,
		Confidence: 0.9,
	}
	require.Empty(t, engine.ProcessBatch(3, []facts.Fact{overlapFact}))

	// Now a far fact after the overlap: fires
	judgments := engine.ProcessBatch(4, []facts.Fact{distanceFact(1, 2, "far", 4, 0.9)})
	require.Len(t, judgments, 1)
	require.Equal(t, "separated", judgments[0].Event)
}

// Two rules with the same label firing on overlapping tracks and intervals
// collapse to the single highest-confidence judgment.
func TestConflictResolution(t *testing.T) {
	strong := makeRule("rule-a", ruledb.RuleSourceHuman,
		ruledb.Precondition{All: []ruledb.Pattern{{Predicate: "is_class", Args: []string{"T", "person"}}}},
		ruledb.Postcondition{Event: "alert", Args: []string{"T"}})
	weak := makeRule("rule-b", ruledb.RuleSourceHuman,
		ruledb.Precondition{All: []ruledb.Pattern{{Predicate: "in_region", Args: []string{"T", "c"}}}},
		ruledb.Postcondition{Event: "alert", Args: []string{"T"}})

	engine := NewEngine(logs.NewTestingLog(t), DefaultOptions())
	engine.SetRules([]ruledb.Rule{strong, weak})

	judgments := engine.ProcessBatch(1, []facts.Fact{
		isClassFact(1, "person", 1, 0.9),
		{Predicate: "in_region", Args: []facts.Term{facts.TrackTerm(1), facts.LitTerm("c")}, Frame: 1, FrameEnd: 1, Confidence: 0.5},
	})
	require.Len(t, judgments, 1)
	require.Equal(t, "rule-a", judgments[0].RuleID)
	require.InDelta(t, 0.9, judgments[0].Confidence, 1e-4)
}

// Different labels on the same tracks are not mutually exclusive.
func TestDifferentLabelsCoexist(t *testing.T) {
	a := makeRule("rule-a", ruledb.RuleSourceHuman,
		ruledb.Precondition{All: []ruledb.Pattern{{Predicate: "is_class", Args: []string{"T", "person"}}}},
		ruledb.Postcondition{Event: "person_present", Args: []string{"T"}})
	b := makeRule("rule-b", ruledb.RuleSourceHuman,
		ruledb.Precondition{All: []ruledb.Pattern{{Predicate: "in_region", Args: []string{"T", "c"}}}},
		ruledb.Postcondition{Event: "center_activity", Args: []string{"T"}})

	engine := NewEngine(logs.NewTestingLog(t), DefaultOptions())
	engine.SetRules([]ruledb.Rule{a, b})

	judgments := engine.ProcessBatch(1, []facts.Fact{
		isClassFact(1, "person", 1, 0.9),
		{Predicate: "in_region", Args: []facts.Term{facts.TrackTerm(1), facts.LitTerm("c")}, Frame: 1, FrameEnd: 1, Confidence: 0.5},
	})
	require.Len(t, judgments, 2)
}

// An exclusive rule suppresses overlapping judgments even across labels.
func TestExclusiveRule(t *testing.T) {
	normal := makeRule("rule-a", ruledb.RuleSourceHuman,
		ruledb.Precondition{All: []ruledb.Pattern{{Predicate: "in_region", Args: []string{"T", "c"}}}},
		ruledb.Postcondition{Event: "center_activity", Args: []string{"T"}})
	exclusive := makeRule("rule-b", ruledb.RuleSourceHuman,
		ruledb.Precondition{All: []ruledb.Pattern{{Predicate: "is_class", Args: []string{"T", "person"}}}},
		ruledb.Postcondition{Event: "intruder", Args: []string{"T"}, Exclusive: true})

	engine := NewEngine(logs.NewTestingLog(t), DefaultOptions())
	engine.SetRules([]ruledb.Rule{normal, exclusive})

	judgments := engine.ProcessBatch(1, []facts.Fact{
		isClassFact(1, "person", 1, 0.9),
		{Predicate: "in_region", Args: []facts.Term{facts.TrackTerm(1), facts.LitTerm("c")}, Frame: 1, FrameEnd: 1, Confidence: 0.5},
	})
	require.Len(t, judgments, 1)
	require.Equal(t, "intruder", judgments[0].Event)
}

// LLM-sourced rules are scaled by the source trust factor.
func TestSourceTrust(t *testing.T) {
	rule := makeRule("rule-llm", ruledb.RuleSourceLLM,
		ruledb.Precondition{All: []ruledb.Pattern{{Predicate: "is_class", Args: []string{"T", "person"}}}},
		ruledb.Postcondition{Event: "person_present", Args: []string{"T"}})

	engine := NewEngine(logs.NewTestingLog(t), DefaultOptions())
	engine.SetRules([]ruledb.Rule{rule})

	judgments := engine.ProcessBatch(1, []facts.Fact{isClassFact(1, "person", 1, 1.0)})
	require.Len(t, judgments, 1)
	require.InDelta(t, 0.9, judgments[0].Confidence, 1e-4)
}

// The disjunction group requires at least one match; its confidence joins the
// aggregation.
func TestDisjunctionGroup(t *testing.T) {
	rule := makeRule("rule-any", ruledb.RuleSourceHuman,
		ruledb.Precondition{
			All: []ruledb.Pattern{{Predicate: "is_class", Args: []string{"T", "person"}}},
			Any: []ruledb.Pattern{
				{Predicate: "in_region", Args: []string{"T", "c"}},
				{Predicate: "in_region", Args: []string{"T", "n"}},
			},
		},
		ruledb.Postcondition{Event: "central_person", Args: []string{"T"}, Formula: "min"})

	engine := NewEngine(logs.NewTestingLog(t), DefaultOptions())
	engine.SetRules([]ruledb.Rule{rule})

	// No region fact yet: must not fire
	require.Empty(t, engine.ProcessBatch(1, []facts.Fact{isClassFact(1, "person", 1, 0.9)}))

	judgments := engine.ProcessBatch(2, []facts.Fact{
		isClassFact(1, "person", 2, 0.9),
		{Predicate: "in_region", Args: []facts.Term{facts.TrackTerm(1), facts.LitTerm("n")}, Frame: 2, FrameEnd: 2, Confidence: 0.6},
	})
	require.Len(t, judgments, 1)
	require.InDelta(t, 0.6, judgments[0].Confidence, 1e-4)
}

// A disjunction match with full confidence still joins the aggregation.
func TestDisjunctionFullConfidence(t *testing.T) {
	rule := makeRule("rule-any", ruledb.RuleSourceHuman,
		ruledb.Precondition{
			All: []ruledb.Pattern{{Predicate: "is_class", Args: []string{"T", "person"}}},
			Any: []ruledb.Pattern{{Predicate: "in_region", Args: []string{"T", "c"}}},
		},
		ruledb.Postcondition{Event: "central_person", Args: []string{"T"}, Formula: "mean"})

	engine := NewEngine(logs.NewTestingLog(t), DefaultOptions())
	engine.SetRules([]ruledb.Rule{rule})

	judgments := engine.ProcessBatch(1, []facts.Fact{
		isClassFact(1, "person", 1, 0.8),
		{Predicate: "in_region", Args: []facts.Term{facts.TrackTerm(1), facts.LitTerm("c")}, Frame: 1, FrameEnd: 1, Confidence: 1.0},
	})
	require.Len(t, judgments, 1)
	// mean of 0.8 (is_class) and 1.0 (disjunction match)
	require.InDelta(t, 0.9, judgments[0].Confidence, 1e-4)
}

// Emission bookkeeping is dropped once it falls behind the window, and the
// same binding firing again later is a fresh event.
func TestEmissionStatePruned(t *testing.T) {
	rule := makeRule("rule-a", ruledb.RuleSourceHuman,
		ruledb.Precondition{All: []ruledb.Pattern{{Predicate: "is_class", Args: []string{"T", "person"}}}},
		ruledb.Postcondition{Event: "person_present", Args: []string{"T"}})

	engine := NewEngine(logs.NewTestingLog(t), DefaultOptions())
	engine.SetRules([]ruledb.Rule{rule})

	judgments := engine.ProcessBatch(1, []facts.Fact{isClassFact(1, "person", 1, 0.9)})
	require.Len(t, judgments, 1)
	require.Len(t, engine.emitted, 1)

	for frame := 2; frame <= 20; frame++ {
		require.Empty(t, engine.ProcessBatch(frame, nil))
	}
	require.Empty(t, engine.emitted)

	judgments = engine.ProcessBatch(21, []facts.Fact{isClassFact(1, "person", 21, 0.9)})
	require.Len(t, judgments, 1)
}

// Distinct bindings are distinct judgments, not conflicts.
func TestDistinctBindings(t *testing.T) {
	rule := makeRule("rule-a", ruledb.RuleSourceHuman,
		ruledb.Precondition{All: []ruledb.Pattern{{Predicate: "is_class", Args: []string{"T", "person"}}}},
		ruledb.Postcondition{Event: "person_present", Args: []string{"T"}})

	engine := NewEngine(logs.NewTestingLog(t), DefaultOptions())
	engine.SetRules([]ruledb.Rule{rule})

	judgments := engine.ProcessBatch(1, []facts.Fact{
		isClassFact(1, "person", 1, 0.9),
		isClassFact(2, "person", 1, 0.8),
	})
	require.Len(t, judgments, 2)
}

func TestWindowSizing(t *testing.T) {
	engine := NewEngine(logs.NewTestingLog(t), DefaultOptions())
	require.Equal(t, DefaultOptions().MinWindowFrames, engine.WindowFrames())

	rule := pickupRule()
	rule.Precondition.Data.Temporal[0].Frames = 50
	engine.SetRules([]ruledb.Rule{rule})
	require.Equal(t, 50, engine.WindowFrames())
}
