package videox

import (
	"bufio"
	"context"
	"io"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

const tsVideoPID = 256

// TSWriter packs H264 access units into an MPEG-TS stream
type TSWriter struct {
	sps []byte
	pps []byte

	b   *bufio.Writer
	mux *astits.Muxer
}

func NewTSWriter(output io.Writer) *TSWriter {
	b := bufio.NewWriter(output)
	mux := astits.NewMuxer(context.Background(), b)
	mux.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: tsVideoPID,
		StreamType:    astits.StreamTypeH264Video,
	})
	mux.SetPCRPID(tsVideoPID)
	return &TSWriter{
		b:   b,
		mux: mux,
	}
}

func (e *TSWriter) Close() error {
	return e.b.Flush()
}

// WriteAccessUnit writes the NALUs of one frame. pts is in the 90 kHz MPEG-TS clock.
// SPS and PPS are remembered, and repeated in front of every IDR.
func (e *TSWriter) WriteAccessUnit(nalus [][]byte, pts int64) error {
	// Some players require an AUD
	filtered := [][]byte{
		{byte(h264.NALUTypeAccessUnitDelimiter), 240},
	}
	idr := false
	for _, nalu := range nalus {
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			e.sps = append([]byte(nil), nalu...)
			continue
		case h264.NALUTypePPS:
			e.pps = append([]byte(nil), nalu...)
			continue
		case h264.NALUTypeAccessUnitDelimiter:
			continue
		case h264.NALUTypeIDR:
			idr = true
			if e.sps != nil && e.pps != nil {
				filtered = append(filtered, e.sps, e.pps)
			}
		}
		filtered = append(filtered, nalu)
	}

	annexb, err := h264.AnnexBMarshal(filtered)
	if err != nil {
		return err
	}

	_, err = e.mux.WriteData(&astits.MuxerData{
		PID: tsVideoPID,
		AdaptationField: &astits.PacketAdaptationField{
			RandomAccessIndicator: idr,
		},
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             &astits.ClockReference{Base: pts},
				},
				StreamID: 224, // video
			},
			Data: annexb,
		},
	})
	return err
}
