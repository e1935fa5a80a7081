// Package detect holds the input types of the reasoning pipeline.
// An external object detector produces one FrameDetections batch per video
// frame; nothing in this repo runs a neural network.
package detect

import (
	"encoding/json"
	"os"
)

const DefaultConfidenceThreshold = 0.5

// Detection is one object found by the external detector in a single frame.
// Immutable once produced.
type Detection struct {
	FrameIndex int     `json:"frameIndex"`
	Box        Rect    `json:"box"`
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"` // 0..1
}

// FrameDetections is the detector's output for one frame: a finite, possibly
// empty, ordered sequence of detections.
type FrameDetections struct {
	FrameIndex  int         `json:"frameIndex"`
	ImageWidth  int         `json:"imageWidth"`
	ImageHeight int         `json:"imageHeight"`
	Objects     []Detection `json:"objects"`
}

// FilterConfidence returns the detections at or above threshold, preserving order.
// Below-threshold detections are dropped silently; they are not an error.
func (f *FrameDetections) FilterConfidence(threshold float32) []Detection {
	out := make([]Detection, 0, len(f.Objects))
	for _, d := range f.Objects {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out
}

// Load a sequence of frame batches from a JSON file.
// The file holds an array of FrameDetections ordered by frame index.
func LoadDetectionFile(filename string) ([]FrameDetections, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	frames := []FrameDetections{}
	if err := json.Unmarshal(b, &frames); err != nil {
		return nil, err
	}
	return frames, nil
}
