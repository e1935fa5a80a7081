package ruledb

import (
	"fmt"
	"unicode"

	"github.com/cyclopcam/dbh"
	"github.com/symbolicdet/symbolicdet/pkg/facts"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type RuleStatus string

const (
	RuleStatusCandidate RuleStatus = "candidate"
	RuleStatusActive    RuleStatus = "active"
	RuleStatusRetired   RuleStatus = "retired" // terminal
)

type RuleSource string

const (
	RuleSourceLLM   RuleSource = "llm"
	RuleSourceHuman RuleSource = "human"
)

// Pattern is one predicate pattern of a rule precondition.
// An argument starting with an uppercase letter is a variable; anything else
// is a literal matched against fact terms.
type Pattern struct {
	Predicate string   `json:"predicate"`
	Args      []string `json:"args"`
}

// IsVariable reports whether a pattern argument is a variable.
func IsVariable(arg string) bool {
	if arg == "" {
		return false
	}
	return unicode.IsUpper(rune(arg[0]))
}

// TemporalConstraint relates two patterns of a precondition by index.
// "within": the two matched facts start within Frames frames of each other.
// "before": First's matched fact starts at or before Second's.
type TemporalConstraint struct {
	Kind   string `json:"kind"` // "within" | "before"
	First  int    `json:"first"`
	Second int    `json:"second"`
	Frames int    `json:"frames,omitempty"`
}

// Precondition is a conjunction of patterns (All), an optional disjunction
// group (Any, at least one must match when non-empty), and temporal
// constraints over All's patterns.
type Precondition struct {
	All      []Pattern            `json:"all"`
	Any      []Pattern            `json:"any,omitempty"`
	Temporal []TemporalConstraint `json:"temporal,omitempty"`
}

// Postcondition names the event a satisfied precondition produces.
// Args are the precondition variables bound into the judgment, in order.
// Formula selects the confidence aggregation: product (default), min or mean.
type Postcondition struct {
	Event     string   `json:"event"`
	Args      []string `json:"args"`
	Formula   string   `json:"formula,omitempty"`
	Exclusive bool     `json:"exclusive,omitempty"`
}

// Rule is a symbolic precondition-to-event mapping, either authored or
// LLM-proposed. Owned by the repository; status changes only through
// Promote/Retire.
type Rule struct {
	BaseModel
	RuleID        string                        `gorm:"uniqueIndex" json:"ruleID"`
	Precondition  *dbh.JSONField[Precondition]  `json:"precondition"`
	Postcondition *dbh.JSONField[Postcondition] `json:"postcondition"`
	Source        RuleSource                    `json:"source"`
	Status        RuleStatus                    `json:"status"`
	Confidence    float64                       `json:"confidence"` // proposer's self-estimate, drives auto-promotion
	CreatedAt     dbh.IntTime                   `json:"createdAt"`
	UpdatedAt     dbh.IntTime                   `json:"updatedAt"`
}

// Judgment is a journaled EventJudgment.
type Judgment struct {
	BaseModel
	Event      string                 `json:"event"`
	RuleID     string                 `json:"ruleID"`
	Tracks     *dbh.JSONField[[]int64] `json:"tracks"`
	FrameStart int                    `json:"frameStart"`
	FrameEnd   int                    `json:"frameEnd"`
	Confidence float32                `json:"confidence"`
	CreatedAt  dbh.IntTime            `json:"createdAt"`
}

// ValidateRule checks a rule definition structurally before it may enter the
// repository: every referenced predicate must exist in the vocabulary with the
// right arity, every postcondition argument and temporal reference must be
// bound by the precondition, and the event label must be non-empty.
func ValidateRule(pre *Precondition, post *Postcondition) error {
	if len(pre.All) == 0 {
		return fmt.Errorf("precondition has no patterns")
	}
	if post.Event == "" {
		return fmt.Errorf("postcondition has no event label")
	}
	bound := map[string]bool{}
	checkPattern := func(p *Pattern) error {
		if !facts.KnownPredicate(p.Predicate, len(p.Args)) {
			return fmt.Errorf("unknown predicate %v/%v", p.Predicate, len(p.Args))
		}
		return nil
	}
	for i := range pre.All {
		if err := checkPattern(&pre.All[i]); err != nil {
			return err
		}
		for _, a := range pre.All[i].Args {
			if IsVariable(a) {
				bound[a] = true
			}
		}
	}
	for i := range pre.Any {
		if err := checkPattern(&pre.Any[i]); err != nil {
			return err
		}
		// A disjunction group may only reuse variables that All binds,
		// otherwise a rule could fire with unbound variables.
		for _, a := range pre.Any[i].Args {
			if IsVariable(a) && !bound[a] {
				return fmt.Errorf("variable %v appears only in a disjunction pattern", a)
			}
		}
	}
	for _, tc := range pre.Temporal {
		if tc.Kind != "within" && tc.Kind != "before" {
			return fmt.Errorf("unknown temporal constraint kind %q", tc.Kind)
		}
		if tc.First < 0 || tc.First >= len(pre.All) || tc.Second < 0 || tc.Second >= len(pre.All) {
			return fmt.Errorf("temporal constraint references pattern out of range")
		}
		if tc.Kind == "within" && tc.Frames <= 0 {
			return fmt.Errorf("'within' temporal constraint needs a positive frame bound")
		}
	}
	if len(post.Args) == 0 {
		return fmt.Errorf("postcondition binds no arguments")
	}
	for _, a := range post.Args {
		if !IsVariable(a) {
			return fmt.Errorf("postcondition argument %v is not a variable", a)
		}
		if !bound[a] {
			return fmt.Errorf("postcondition argument %v is not bound by the precondition", a)
		}
	}
	switch post.Formula {
	case "", "product", "min", "mean":
	default:
		return fmt.Errorf("unknown confidence formula %q", post.Formula)
	}
	return nil
}

// MaxWindow returns the longest temporal bound the rule needs, in frames.
// The reasoning engine sizes its sliding window to the max over active rules.
func (r *Rule) MaxWindow() int {
	maxW := 1
	for _, tc := range r.Precondition.Data.Temporal {
		if tc.Kind == "within" && tc.Frames > maxW {
			maxW = tc.Frames
		}
	}
	return maxW
}
