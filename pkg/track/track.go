// Package track assigns stable identities to detections across frames.
package track

import (
	"github.com/bmharper/ringbuffer"
	"github.com/symbolicdet/symbolicdet/pkg/detect"
)

// A frame and position where we saw an object
type frameAndPosition struct {
	frame int
	box   detect.Rect
}

// Track is a stable identity linking detections of the same physical object
// across frames. IDs are monotonic and never reused after closure.
type Track struct {
	ID        int64
	Class     string
	FirstSeen int // frame index of first detection
	LastSeen  int // frame index of most recent detection
	Closed    bool

	history []detect.Detection // full detection history, strictly increasing frame index
	recent  ringbuffer.RingP[frameAndPosition]
	lastBox detect.Rect
	misses  int // consecutive frames with no matching detection
}

// History returns the track's detections ordered by frame index.
// Valid on both open and closed tracks.
func (t *Track) History() []detect.Detection {
	return t.history
}

// BoxAt returns the most recent position at or before 'frame', if the track
// has one inside its recent-position window.
func (t *Track) BoxAt(frame int) (detect.Rect, bool) {
	for i := t.recent.Len() - 1; i >= 0; i-- {
		p := t.recent.Peek(i)
		if p.frame <= frame {
			return p.box, true
		}
	}
	return detect.Rect{}, false
}

func (t *Track) add(d detect.Detection) {
	t.history = append(t.history, d)
	t.recent.Add(frameAndPosition{frame: d.FrameIndex, box: d.Box})
	t.lastBox = d.Box
	t.LastSeen = d.FrameIndex
	t.misses = 0
}
