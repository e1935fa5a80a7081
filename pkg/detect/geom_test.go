package detect

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRectIOU(t *testing.T) {
	a := Rect{X: 0, Y: 0, Width: 10, Height: 10}
	require.Equal(t, float32(1), a.IOU(a))

	b := Rect{X: 20, Y: 20, Width: 10, Height: 10}
	require.Equal(t, float32(0), a.IOU(b))

	// Half-width overlap: intersection 50, union 150
	c := Rect{X: 5, Y: 0, Width: 10, Height: 10}
	require.InDelta(t, 50.0/150.0, a.IOU(c), 1e-6)
}

func TestRectCenter(t *testing.T) {
	r := Rect{X: 10, Y: 20, Width: 30, Height: 40}
	require.Equal(t, Point{X: 25, Y: 40}, r.Center())
}

func TestPointDistance(t *testing.T) {
	require.InDelta(t, 5.0, Point{X: 0, Y: 0}.Distance(Point{X: 3, Y: 4}), 1e-5)
}

func TestFilterConfidence(t *testing.T) {
	frame := FrameDetections{
		FrameIndex:  1,
		ImageWidth:  640,
		ImageHeight: 480,
		Objects: []Detection{
			{FrameIndex: 1, Class: "person", Confidence: 0.9},
			{FrameIndex: 1, Class: "person", Confidence: 0.3},
			{FrameIndex: 1, Class: "box", Confidence: 0.5},
		},
	}
	kept := frame.FilterConfidence(0.5)
	require.Len(t, kept, 2)
	require.Equal(t, "person", kept[0].Class)
	require.Equal(t, "box", kept[1].Class)
}
