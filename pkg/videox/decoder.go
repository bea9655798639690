package videox

import (
	"errors"

	"github.com/cyclopcam/vodscrub/pkg/accel"
	"github.com/cyclopcam/vodscrub/pkg/rational"
)

var ErrNotOpen = errors.New("Decoder is not open")
var ErrNoVideoStream = errors.New("No video stream found")
var ErrInvalidStream = errors.New("Invalid stream")

// Frame is a decoded picture.
// PTS is in the codec time base (see Decoder.TimeBase).
type Frame struct {
	PTS   int64
	Image accel.YUVImage
}

// Decoder is a sequential video decoder that can reposition itself on a keyframe.
//
// DecodeNextFrame writes into dst, reusing the memory of dst.Image if it is large enough,
// and returns io.EOF at the end of the stream. SeekNearKeyframe lands on a sync point at
// or before ts, so the caller must decode forward from there to reach an exact frame.
//
// Only one goroutine may call DecodeNextFrame, SeekNearKeyframe, Open and Close.
// The remaining functions read immutable stream parameters and are safe to call
// from any goroutine while the decoder is open. Stream parameters remain available
// after Close, until the next Open.
type Decoder interface {
	Open(data []byte) error
	Close()
	DecodeNextFrame(dst *Frame) error
	SeekNearKeyframe(ts int64) error
	FrameRate() rational.Rational
	TimeBase() rational.Rational
	Duration() int64
	ToCodecTimestamp(ts int64, from rational.Rational) int64
	FromCodecTimestamp(ts int64, to rational.Rational) int64
}

// Return the duration of a single frame, in the codec time base.
// Always returns at least 1.
func FrameDuration(d Decoder) int64 {
	fr := d.FrameRate()
	if !fr.IsValid() {
		return 1
	}
	return max(1, rational.RescaleQ(1, fr.Invert(), d.TimeBase()))
}
