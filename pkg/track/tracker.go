package track

import (
	"fmt"
	"math"

	"github.com/bmharper/flatbush-go"
	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
	"github.com/symbolicdet/symbolicdet/pkg/detect"
)

type Options struct {
	// MaxAge is the number of consecutive unmatched frames after which a track
	// transitions to closed.
	MaxAge int
	// MatchMaxDistance is the spatial gate for matching, as a fraction of the
	// frame diagonal. A detection further than this from every open track of
	// the same class opens a new track.
	MatchMaxDistance float32
	// MaxDetectionsPerFrame is the capacity limit above which we degrade to
	// nearest-neighbor-only matching for that frame.
	MaxDetectionsPerFrame int
	// LookbackFrames is the size of the recent-position window kept per track,
	// used for movement relations.
	LookbackFrames int
}

func DefaultOptions() Options {
	return Options{
		MaxAge:                5,
		MatchMaxDistance:      0.25,
		MaxDetectionsPerFrame: 64,
		LookbackFrames:        8,
	}
}

// Tracker resolves per-frame detections into stable track identities.
// One Tracker per stream. Not safe for concurrent use; frame processing is
// strictly ordered, so there is a single caller by construction.
type Tracker struct {
	log       logs.Log
	opts      Options
	nextID    int64
	open      []*Track
	closed    []*Track
	lastFrame int
}

func NewTracker(logger logs.Log, opts Options) *Tracker {
	return &Tracker{
		log:       logger,
		opts:      opts,
		lastFrame: -1,
	}
}

// Open returns the currently open tracks.
func (t *Tracker) Open() []*Track {
	return t.open
}

// Closed returns tracks that have been closed. Their history remains queryable.
func (t *Tracker) Closed() []*Track {
	return t.closed
}

// IsKnown reports whether a track ID has ever been issued by this tracker.
func (t *Tracker) IsKnown(id int64) bool {
	return id >= 1 && id <= t.nextID
}

// ProcessFrame assigns each detection to an existing open track or a new one,
// and returns the track for each detection, in detection order.
// Frames must arrive in strictly increasing order.
func (t *Tracker) ProcessFrame(frame *detect.FrameDetections, objects []detect.Detection) ([]*Track, error) {
	if frame.FrameIndex <= t.lastFrame {
		return nil, fmt.Errorf("out of order frame %v (last processed %v)", frame.FrameIndex, t.lastFrame)
	}
	t.lastFrame = frame.FrameIndex

	maxDistance := t.opts.MatchMaxDistance * frameDiagonal(frame)

	degraded := len(objects) > t.opts.MaxDetectionsPerFrame
	if degraded {
		t.log.Warnf("Tracker: %v detections in frame %v exceeds capacity %v, degrading to nearest-neighbor matching",
			len(objects), frame.FrameIndex, t.opts.MaxDetectionsPerFrame)
	}

	// Spatial index over the last known position of each open track
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(t.open))
	for _, tr := range t.open {
		b := tr.lastBox
		fb.Add(int32(b.X), int32(b.Y), int32(b.X2()), int32(b.Y2()))
	}
	fb.Finish()

	minSearchBuffer := int32(0.05 * float64(frame.ImageWidth))

	detToTrack := make([]int, len(objects))
	for i := range detToTrack {
		detToTrack[i] = -1
	}
	trackHasMatch := make([]bool, len(t.open))

	// Find the closest unmatched open track of the same class among the
	// candidate list. IOU is preferred; if no candidate overlaps at all we
	// fall back to center distance, gated by maxDistance. Ties go to the
	// lowest track ID, which keeps assignment deterministic.
	findClosest := func(detIdx int, candidates []int) int {
		d := &objects[detIdx]
		bestJ := -1
		bestIOU := float32(0)
		bestDistance := float32(math.MaxFloat32)
		for _, j := range candidates {
			if trackHasMatch[j] {
				continue
			}
			tr := t.open[j]
			if tr.Class != d.Class {
				continue
			}
			iou := d.Box.IOU(tr.lastBox)
			distance := d.Box.Center().Distance(tr.lastBox.Center())
			if distance > maxDistance && iou == 0 {
				continue
			}
			if iou > bestIOU || (iou == bestIOU && iou > 0 && tr.ID < t.open[bestJ].ID) {
				bestIOU = iou
				bestJ = j
			} else if bestIOU == 0 && (distance < bestDistance || (distance == bestDistance && bestJ != -1 && tr.ID < t.open[bestJ].ID)) {
				bestDistance = distance
				bestJ = j
			}
		}
		if bestJ != -1 {
			trackHasMatch[bestJ] = true
			detToTrack[detIdx] = bestJ
		}
		return bestJ
	}

	// Phase 1: nearest-neighbor via the spatial index
	nearbyIdx := []int{}
	for i := range objects {
		d := &objects[i]
		searchBufferX := max(minSearchBuffer, int32(0.8*float64(d.Box.Width)))
		searchBufferY := max(minSearchBuffer, int32(0.8*float64(d.Box.Height)))
		nearbyIdx = fb.SearchFast(int32(d.Box.X)-searchBufferX, int32(d.Box.Y)-searchBufferY,
			int32(d.Box.X2())+searchBufferX, int32(d.Box.Y2())+searchBufferY, nearbyIdx)
		findClosest(i, nearbyIdx)
	}

	// Phase 2: match leftovers against any unmatched open track, still gated
	// by maxDistance. The effective detector framerate can be low enough that
	// consecutive boxes of a fast object don't overlap, so a pure
	// index-neighborhood search misses them. Skipped when over capacity.
	if !degraded {
		unmatched := []int{}
		for j := range t.open {
			if !trackHasMatch[j] {
				unmatched = append(unmatched, j)
			}
		}
		for i := range objects {
			if detToTrack[i] != -1 {
				continue
			}
			findClosest(i, unmatched)
		}
	}

	// Update matched tracks, create new ones
	result := make([]*Track, len(objects))
	for i := range objects {
		d := &objects[i]
		var tr *Track
		if j := detToTrack[i]; j != -1 {
			tr = t.open[j]
		} else {
			tr = t.newTrack(d)
			t.open = append(t.open, tr)
			trackHasMatch = append(trackHasMatch, true)
		}
		tr.add(*d)
		result[i] = tr
	}

	// Age out tracks that received nothing this frame
	remaining := t.open[:0]
	for j, tr := range t.open {
		matched := j < len(trackHasMatch) && trackHasMatch[j]
		if !matched {
			tr.misses++
		}
		if tr.misses > t.opts.MaxAge {
			tr.Closed = true
			t.closed = append(t.closed, tr)
		} else {
			remaining = append(remaining, tr)
		}
	}
	t.open = remaining

	return result, nil
}

func (t *Tracker) newTrack(d *detect.Detection) *Track {
	t.nextID++
	tr := &Track{
		ID:        t.nextID,
		Class:     d.Class,
		FirstSeen: d.FrameIndex,
		LastSeen:  d.FrameIndex,
		recent:    ringbuffer.NewRingP[frameAndPosition](nextPowerOf2(t.opts.LookbackFrames)),
	}
	t.log.Debugf("Tracker: new track %v '%v' at %v,%v", tr.ID, tr.Class, d.Box.Center().X, d.Box.Center().Y)
	return tr
}

func frameDiagonal(frame *detect.FrameDetections) float32 {
	w := float64(frame.ImageWidth)
	h := float64(frame.ImageHeight)
	return float32(math.Sqrt(w*w + h*h))
}

func nextPowerOf2(n int) int {
	return 1 << int(math.Ceil(math.Log2(float64(n))))
}
