package videox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/vodscrub/pkg/accel"
	"github.com/cyclopcam/vodscrub/pkg/rational"
)

// SyntheticStream describes a stream of generated frames.
// Frames are numbered from 0, and the luma plane of every frame encodes its number,
// so that a test can tell exactly which frame it is looking at.
type SyntheticStream struct {
	FrameCount       int
	FrameRate        rational.Rational
	TimeBase         rational.Rational
	KeyframeInterval int   // Every N-th frame is a keyframe. Frame 0 is always a keyframe.
	StartPTS         int64 // PTS of frame 0
	Width            int
	Height           int
}

var syntheticMagic = [4]byte{'v', 's', 'y', 'n'}

// On-disk header. All fields are little endian.
type syntheticHeader struct {
	Magic            [4]byte
	FrameCount       uint32
	FrameRateNum     int32
	FrameRateDen     int32
	TimeBaseNum      int32
	TimeBaseDen      int32
	KeyframeInterval uint32
	StartPTS         int64
	Width            uint16
	Height           uint16
}

var ErrNotSynthetic = errors.New("Not a synthetic stream")

// Return a reasonable default: 60 FPS, 1/15360 time base, keyframe every 30 frames, 64x36
func NewSyntheticStream(frameCount int) SyntheticStream {
	return SyntheticStream{
		FrameCount:       frameCount,
		FrameRate:        rational.New(60, 1),
		TimeBase:         rational.New(1, 15360),
		KeyframeInterval: 30,
		Width:            64,
		Height:           36,
	}
}

// Serialize the stream description, so that it can be opened by SyntheticDecoder
func EncodeSyntheticStream(s SyntheticStream) []byte {
	h := syntheticHeader{
		Magic:            syntheticMagic,
		FrameCount:       uint32(s.FrameCount),
		FrameRateNum:     int32(s.FrameRate.Num),
		FrameRateDen:     int32(s.FrameRate.Den),
		TimeBaseNum:      int32(s.TimeBase.Num),
		TimeBaseDen:      int32(s.TimeBase.Den),
		KeyframeInterval: uint32(s.KeyframeInterval),
		StartPTS:         s.StartPTS,
		Width:            uint16(s.Width),
		Height:           uint16(s.Height),
	}
	buf := bytes.Buffer{}
	binary.Write(&buf, binary.LittleEndian, &h)
	return buf.Bytes()
}

// Parse the output of EncodeSyntheticStream
func DecodeSyntheticStream(data []byte) (SyntheticStream, error) {
	h := syntheticHeader{}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		return SyntheticStream{}, fmt.Errorf("%w: %v", ErrNotSynthetic, err)
	}
	if h.Magic != syntheticMagic {
		return SyntheticStream{}, ErrNotSynthetic
	}
	s := SyntheticStream{
		FrameCount:       int(h.FrameCount),
		FrameRate:        rational.New(int(h.FrameRateNum), int(h.FrameRateDen)),
		TimeBase:         rational.New(int(h.TimeBaseNum), int(h.TimeBaseDen)),
		KeyframeInterval: int(h.KeyframeInterval),
		StartPTS:         h.StartPTS,
		Width:            int(h.Width),
		Height:           int(h.Height),
	}
	if !s.FrameRate.IsValid() || !s.TimeBase.IsValid() || s.Width*s.Height < 4 {
		return SyntheticStream{}, fmt.Errorf("%w: bad synthetic header", ErrInvalidStream)
	}
	if s.KeyframeInterval < 1 {
		s.KeyframeInterval = 1
	}
	return s, nil
}

// Return the PTS of frame i
func (s *SyntheticStream) FramePTS(i int) int64 {
	return s.StartPTS + rational.RescaleQ(int64(i), s.FrameRate.Invert(), s.TimeBase)
}

// Return the index of the last frame with PTS <= ts, or -1 if ts is before the first frame
func (s *SyntheticStream) FrameAtOrBefore(ts int64) int {
	return sort.Search(s.FrameCount, func(i int) bool { return s.FramePTS(i) > ts }) - 1
}

// Read the frame number that SyntheticDecoder wrote into the image
func SyntheticFrameIndex(img *accel.YUVImage) int {
	if len(img.Y) < 4 {
		return -1
	}
	return int(binary.BigEndian.Uint32(img.Y[:4]))
}

// SyntheticDecoder produces frames from a SyntheticStream.
// It behaves like a real codec with regular keyframes, which makes it
// possible to test seeking and caching without any media files.
type SyntheticDecoder struct {
	// Test hooks. Set these before Open.
	DecodeDelay  time.Duration // Sleep this long inside every DecodeNextFrame
	FailDecodeAt int           // Return an error instead of decoding this frame. Negative to disable.
	FailSeek     bool          // SeekNearKeyframe always fails

	stream SyntheticStream
	isOpen bool
	next   int // Index of the next frame that DecodeNextFrame will produce

	nDecoded atomic.Int64
	nSeeks   atomic.Int64
}

func NewSyntheticDecoder() *SyntheticDecoder {
	return &SyntheticDecoder{
		FailDecodeAt: -1,
	}
}

func (d *SyntheticDecoder) Open(data []byte) error {
	s, err := DecodeSyntheticStream(data)
	if err != nil {
		return err
	}
	d.stream = s
	d.next = 0
	d.isOpen = true
	return nil
}

func (d *SyntheticDecoder) Close() {
	d.isOpen = false
}

func (d *SyntheticDecoder) Stream() SyntheticStream {
	return d.stream
}

// Number of frames produced since creation
func (d *SyntheticDecoder) FramesDecoded() int64 {
	return d.nDecoded.Load()
}

// Number of calls to SeekNearKeyframe since creation
func (d *SyntheticDecoder) Seeks() int64 {
	return d.nSeeks.Load()
}

func (d *SyntheticDecoder) DecodeNextFrame(dst *Frame) error {
	if !d.isOpen {
		return ErrNotOpen
	}
	if d.next >= d.stream.FrameCount {
		return io.EOF
	}
	if d.DecodeDelay != 0 {
		time.Sleep(d.DecodeDelay)
	}
	if d.next == d.FailDecodeAt {
		return fmt.Errorf("Synthetic decode failure at frame %v", d.next)
	}
	idx := d.next
	d.next++
	d.nDecoded.Add(1)

	dst.PTS = d.stream.FramePTS(idx)
	dst.Image.Resize(d.stream.Width, d.stream.Height)
	fill := byte(16 + idx%220)
	for i := range dst.Image.Y {
		dst.Image.Y[i] = fill
	}
	for i := range dst.Image.U {
		dst.Image.U[i] = 128
		dst.Image.V[i] = 128
	}
	binary.BigEndian.PutUint32(dst.Image.Y[:4], uint32(idx))
	return nil
}

func (d *SyntheticDecoder) SeekNearKeyframe(ts int64) error {
	if !d.isOpen {
		return ErrNotOpen
	}
	d.nSeeks.Add(1)
	if d.FailSeek {
		return fmt.Errorf("Synthetic seek failure")
	}
	// Like av_seek_frame with AVSEEK_FLAG_BACKWARD: land on the keyframe at or before ts,
	// or the first frame if ts precedes the stream.
	idx := max(0, d.stream.FrameAtOrBefore(ts))
	if d.stream.FrameCount == 0 {
		idx = 0
	}
	d.next = idx - idx%d.stream.KeyframeInterval
	return nil
}

func (d *SyntheticDecoder) FrameRate() rational.Rational {
	return d.stream.FrameRate
}

func (d *SyntheticDecoder) TimeBase() rational.Rational {
	return d.stream.TimeBase
}

func (d *SyntheticDecoder) Duration() int64 {
	return d.stream.FramePTS(d.stream.FrameCount) - d.stream.StartPTS
}

func (d *SyntheticDecoder) ToCodecTimestamp(ts int64, from rational.Rational) int64 {
	return rational.RescaleQ(ts, from, d.stream.TimeBase)
}

func (d *SyntheticDecoder) FromCodecTimestamp(ts int64, to rational.Rational) int64 {
	return rational.RescaleQ(ts, d.stream.TimeBase, to)
}
