package facts

import (
	"math"

	"github.com/symbolicdet/symbolicdet/pkg/detect"
	"github.com/symbolicdet/symbolicdet/pkg/gen"
	"github.com/symbolicdet/symbolicdet/pkg/track"
)

type ExtractorOptions struct {
	// NearDistance and FarDistance split center distances into buckets, as
	// fractions of the frame diagonal: <= near is "near", >= far is "far",
	// anything between is "mid".
	NearDistance float32
	FarDistance  float32
	// LookbackFrames is how far back we compare positions for movement
	// relations. Must not exceed the tracker's recent-position window.
	LookbackFrames int
	// MinApproach is the minimum distance decrease, as a fraction of the
	// frame diagonal, before we call it moving_toward. Filters out box jitter.
	MinApproach float32
}

func DefaultExtractorOptions() ExtractorOptions {
	return ExtractorOptions{
		NearDistance:   0.1,
		FarDistance:    0.4,
		LookbackFrames: 5,
		MinApproach:    0.02,
	}
}

// Extractor turns one frame of tracked detections into base facts.
// It is a pure function of the current frame plus each track's recent
// position window; it keeps no state of its own.
type Extractor struct {
	opts ExtractorOptions
}

func NewExtractor(opts ExtractorOptions) *Extractor {
	return &Extractor{opts: opts}
}

var regionNames = [3][3]string{
	{"nw", "n", "ne"},
	{"w", "c", "e"},
	{"sw", "s", "se"},
}

// ExtractFrame emits the facts for one frame. 'tracks' is the track assigned
// to each detection of the frame, in detection order, as returned by
// Tracker.ProcessFrame. Detections below the confidence threshold must
// already have been dropped upstream.
func (e *Extractor) ExtractFrame(frame *detect.FrameDetections, objects []detect.Detection, tracks []*track.Track) []Fact {
	out := []Fact{}
	diag := diagonal(frame)

	// Unary facts
	for i := range objects {
		d := &objects[i]
		tr := tracks[i]
		out = append(out, Fact{
			Predicate:  "is_class",
			Args:       []Term{TrackTerm(tr.ID), LitTerm(d.Class)},
			Frame:      frame.FrameIndex,
			FrameEnd:   frame.FrameIndex,
			Confidence: d.Confidence,
		})
		out = append(out, Fact{
			Predicate:  "in_region",
			Args:       []Term{TrackTerm(tr.ID), LitTerm(e.region(frame, d.Box))},
			Frame:      frame.FrameIndex,
			FrameEnd:   frame.FrameIndex,
			Confidence: d.Confidence,
		})
	}

	// Pairwise relations. Both orderings are emitted for asymmetric
	// predicates; symmetric ones (overlaps, distance) only for i < j.
	for i := range objects {
		for j := i + 1; j < len(objects); j++ {
			if tracks[i].ID == tracks[j].ID {
				continue
			}
			a, b := &objects[i], &objects[j]
			conf := min(a.Confidence, b.Confidence)
			ta, tb := TrackTerm(tracks[i].ID), TrackTerm(tracks[j].ID)

			if a.Box.IOU(b.Box) > 0 {
				out = append(out, Fact{
					Predicate:  "overlaps",
					Args:       []Term{ta, tb},
					Frame:      frame.FrameIndex,
					FrameEnd:   frame.FrameIndex,
					Confidence: conf,
				})
			}

			dist := a.Box.Center().Distance(b.Box.Center())
			out = append(out, Fact{
				Predicate:  "distance",
				Args:       []Term{ta, tb, LitTerm(e.bucket(dist, diag))},
				Frame:      frame.FrameIndex,
				FrameEnd:   frame.FrameIndex,
				Confidence: conf,
			})

			if f, ok := e.movingToward(frame, tracks[i], tracks[j], a.Box, b.Box, diag, conf); ok {
				out = append(out, f)
			}
			if f, ok := e.movingToward(frame, tracks[j], tracks[i], b.Box, a.Box, diag, conf); ok {
				out = append(out, f)
			}
		}
	}

	return out
}

func (e *Extractor) bucket(dist, diag float32) string {
	switch {
	case dist <= e.opts.NearDistance*diag:
		return "near"
	case dist >= e.opts.FarDistance*diag:
		return "far"
	default:
		return "mid"
	}
}

func (e *Extractor) region(frame *detect.FrameDetections, box detect.Rect) string {
	c := box.Center()
	col := gen.Clamp(c.X*3/max(frame.ImageWidth, 1), 0, 2)
	row := gen.Clamp(c.Y*3/max(frame.ImageHeight, 1), 0, 2)
	return regionNames[row][col]
}

// movingToward compares the subject's distance to the target now vs at the
// start of the lookback window.
func (e *Extractor) movingToward(frame *detect.FrameDetections, subject, target *track.Track, subjectBox, targetBox detect.Rect, diag, conf float32) (Fact, bool) {
	startFrame := frame.FrameIndex - e.opts.LookbackFrames
	subjectThen, ok1 := subject.BoxAt(startFrame)
	targetThen, ok2 := target.BoxAt(startFrame)
	if !ok1 || !ok2 {
		return Fact{}, false
	}
	distThen := subjectThen.Center().Distance(targetThen.Center())
	distNow := subjectBox.Center().Distance(targetBox.Center())
	if distThen-distNow < e.opts.MinApproach*diag {
		return Fact{}, false
	}
	return Fact{
		Predicate:  "moving_toward",
		Args:       []Term{TrackTerm(subject.ID), TrackTerm(target.ID)},
		Frame:      max(startFrame, subject.FirstSeen),
		FrameEnd:   frame.FrameIndex,
		Confidence: conf,
	}, true
}

func diagonal(frame *detect.FrameDetections) float32 {
	w := float64(frame.ImageWidth)
	h := float64(frame.ImageHeight)
	return float32(math.Sqrt(w*w + h*h))
}
