package videox

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/cyclopcam/vodscrub/pkg/rational"
)

// MPEG-TS timestamps are always in this time base
var TSTimeBase = rational.New(1, 90000)

// TSProbe summarizes the first video stream of an MPEG-TS file, without decoding it
type TSProbe struct {
	VideoPID      uint16
	StreamType    astits.StreamType
	AccessUnits   int   // Number of PES packets on the video PID
	Keyframes     int   // Access units that contain an H264 IDR
	FirstPTS      int64 // 90 kHz
	LastPTS       int64 // 90 kHz
	FrameDuration int64 // Smallest PTS step between consecutive access units (90 kHz)
}

// Estimated frame rate, from the smallest PTS step
func (p *TSProbe) FrameRate() rational.Rational {
	if p.FrameDuration <= 0 {
		return rational.Rational{}
	}
	return rational.New(90000, int(p.FrameDuration))
}

// Returns true if data starts with an MPEG-TS sync byte, at the start of two consecutive packets
func IsTransportStream(data []byte) bool {
	return len(data) >= 189 && data[0] == 0x47 && data[188] == 0x47
}

// ProbeTransportStream scans an MPEG-TS file and reports on its first video stream.
// This is cheap compared to decoding, so it's useful for sanity checking a file before opening it.
func ProbeTransportStream(data []byte) (*TSProbe, error) {
	if !IsTransportStream(data) {
		return nil, fmt.Errorf("%w: not an MPEG-TS stream", ErrInvalidStream)
	}
	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(data))
	probe := &TSProbe{}
	havePID := false
	havePTS := false
	prevPTS := int64(0)
	for {
		d, err := dmx.NextData()
		if errors.Is(err, astits.ErrNoMorePackets) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("Failed to demux MPEG-TS: %w", err)
		}
		if d.PMT != nil && !havePID {
			for _, es := range d.PMT.ElementaryStreams {
				if es.StreamType == astits.StreamTypeH264Video || es.StreamType == astits.StreamTypeH265Video {
					probe.VideoPID = es.ElementaryPID
					probe.StreamType = es.StreamType
					havePID = true
					break
				}
			}
		}
		if d.PES == nil || !havePID || d.PID != probe.VideoPID {
			continue
		}
		probe.AccessUnits++
		if probe.StreamType == astits.StreamTypeH264Video {
			if nalus, err := h264.AnnexBUnmarshal(d.PES.Data); err == nil && h264.IDRPresent(nalus) {
				probe.Keyframes++
			}
		}
		oh := d.PES.Header.OptionalHeader
		if oh == nil || oh.PTS == nil {
			continue
		}
		pts := oh.PTS.Base
		if !havePTS {
			probe.FirstPTS = pts
		} else if step := pts - prevPTS; step > 0 && (probe.FrameDuration == 0 || step < probe.FrameDuration) {
			probe.FrameDuration = step
		}
		probe.LastPTS = max(probe.LastPTS, pts)
		prevPTS = pts
		havePTS = true
	}
	if !havePID {
		return nil, ErrNoVideoStream
	}
	return probe, nil
}
