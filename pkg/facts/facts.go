// Package facts converts tracked detections into typed symbolic facts.
package facts

import "fmt"

// Term is one argument of a fact: either a track reference or a literal.
// The zero Track value means "literal". Terms are comparable.
type Term struct {
	Track int64  `json:"track,omitempty"`
	Lit   string `json:"lit,omitempty"`
}

func TrackTerm(id int64) Term {
	return Term{Track: id}
}

func LitTerm(s string) Term {
	return Term{Lit: s}
}

func (t Term) IsTrack() bool {
	return t.Track != 0
}

func (t Term) String() string {
	if t.IsTrack() {
		return fmt.Sprintf("#%v", t.Track)
	}
	return t.Lit
}

// Fact is a typed, timestamped symbolic statement. Immutable once emitted.
// Frame..FrameEnd is the interval the fact holds over; instantaneous facts
// have FrameEnd == Frame.
type Fact struct {
	Predicate  string  `json:"predicate"`
	Args       []Term  `json:"args"`
	Frame      int     `json:"frame"`
	FrameEnd   int     `json:"frameEnd"`
	Confidence float32 `json:"confidence"`
}

func (f *Fact) String() string {
	s := f.Predicate + "("
	for i, a := range f.Args {
		if i > 0 {
			s += ","
		}
		s += a.String()
	}
	return s + ")"
}

// PredicateSpec describes one entry of the predicate vocabulary.
type PredicateSpec struct {
	Name  string `json:"name"`
	Arity int    `json:"arity"`
	Doc   string `json:"doc"`
}

// Vocabulary is the closed set of base predicates the extractor emits.
// Rule preconditions may only reference these.
var Vocabulary = []PredicateSpec{
	{Name: "is_class", Arity: 2, Doc: "is_class(T, label): tracked object T has detector class 'label'"},
	{Name: "in_region", Arity: 2, Doc: "in_region(T, region): T's center lies in a 3x3 grid cell (nw,n,ne,w,c,e,sw,s,se)"},
	{Name: "overlaps", Arity: 2, Doc: "overlaps(T1, T2): bounding boxes of T1 and T2 intersect"},
	{Name: "distance", Arity: 3, Doc: "distance(T1, T2, bucket): center distance bucket is near, mid or far"},
	{Name: "moving_toward", Arity: 2, Doc: "moving_toward(T1, T2): T1's distance to T2 decreased over the lookback window"},
}

// KnownPredicate reports whether name/arity is part of the vocabulary.
func KnownPredicate(name string, arity int) bool {
	for _, p := range Vocabulary {
		if p.Name == name && p.Arity == arity {
			return true
		}
	}
	return false
}
