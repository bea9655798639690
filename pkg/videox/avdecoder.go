package videox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vodscrub/pkg/prefixlog"
	"github.com/cyclopcam/vodscrub/pkg/rational"
)

const avNoPTSValue = math.MinInt64
const avSeekSize = 0x10000
const avSeekForce = 0x20000
const ioBufferSize = 64 * 1024

// AVDecoder decodes the best video stream of an in-memory media file, using ffmpeg.
type AVDecoder struct {
	log logs.Log

	closer    *astikit.Closer // Owns everything that lives as long as the file is open
	reader    *bytes.Reader
	ioCtx     *astiav.IOContext
	formatCtx *astiav.FormatContext
	stream    *astiav.Stream
	codec     *astiav.Codec
	codecCtx  *astiav.CodecContext // Recreated after every seek
	packet    *astiav.Packet
	frame     *astiav.Frame

	packetPending bool // packet was rejected with EAGAIN, and must be sent again
	draining      bool // Demuxer hit EOF, and the codec has been told to flush

	scaler    *astiav.SoftwareScaleContext
	scaled    *astiav.Frame
	scalerW   int
	scalerH   int
	scalerPix astiav.PixelFormat
	copyBuf   []byte
	lastPTS   int64
	frameRate rational.Rational
	timeBase  rational.Rational
	duration  int64
	isOpen    bool
}

func NewAVDecoder(log logs.Log) *AVDecoder {
	return &AVDecoder{
		log: prefixlog.New(log, "AVDecoder"),
	}
}

func fromAV(r astiav.Rational) rational.Rational {
	return rational.New(r.Num(), r.Den())
}

func toAV(r rational.Rational) astiav.Rational {
	return astiav.NewRational(r.Num, r.Den)
}

// Open the media file held in data.
// The decoder keeps a reference to data until Close.
func (d *AVDecoder) Open(data []byte) (err error) {
	if d.isOpen {
		d.Close()
	}

	closer := astikit.NewCloser()
	defer func() {
		if err != nil {
			closer.Close()
		}
	}()

	d.reader = bytes.NewReader(data)
	ioCtx, err := astiav.AllocIOContext(ioBufferSize, false, d.ioRead, d.ioSeek, nil)
	if err != nil {
		return fmt.Errorf("Failed to allocate IO context: %w", err)
	}
	closer.Add(ioCtx.Free)

	formatCtx := astiav.AllocFormatContext()
	if formatCtx == nil {
		return errors.New("Failed to allocate format context")
	}
	closer.Add(formatCtx.Free)
	formatCtx.SetPb(ioCtx)

	if err = formatCtx.OpenInput("", nil, nil); err != nil {
		return fmt.Errorf("Failed to open input: %w", err)
	}
	closer.Add(formatCtx.CloseInput)

	if err = formatCtx.FindStreamInfo(nil); err != nil {
		return fmt.Errorf("Failed to find stream info: %w", err)
	}

	var stream *astiav.Stream
	var codec *astiav.Codec
	for _, s := range formatCtx.Streams() {
		if s.CodecParameters().MediaType() != astiav.MediaTypeVideo {
			continue
		}
		if codec = astiav.FindDecoder(s.CodecParameters().CodecID()); codec != nil {
			stream = s
			break
		}
	}
	if stream == nil {
		return ErrNoVideoStream
	}

	d.packet = astiav.AllocPacket()
	closer.Add(d.packet.Free)
	d.frame = astiav.AllocFrame()
	closer.Add(d.frame.Free)

	d.ioCtx = ioCtx
	d.formatCtx = formatCtx
	d.stream = stream
	d.codec = codec
	if err = d.openCodec(); err != nil {
		return err
	}
	closer.Add(d.freeCodec)
	closer.Add(d.freeScaler)

	d.timeBase = fromAV(stream.TimeBase())
	d.frameRate = fromAV(stream.RFrameRate())
	if !d.frameRate.IsValid() {
		d.frameRate = fromAV(formatCtx.GuessFrameRate(stream, nil))
	}
	if !d.timeBase.IsValid() || !d.frameRate.IsValid() {
		return fmt.Errorf("%w: time base %v, frame rate %v", ErrInvalidStream, d.timeBase, d.frameRate)
	}
	d.duration = stream.Duration()
	if d.duration <= 0 || d.duration == avNoPTSValue {
		// Container duration is in AV_TIME_BASE (microseconds)
		d.duration = astiav.RescaleQ(formatCtx.Duration(), astiav.NewRational(1, 1000000), stream.TimeBase())
	}

	d.closer = closer
	d.lastPTS = avNoPTSValue
	d.isOpen = true
	d.log.Infof("Opened %v bytes, %v, %v x %v, frame rate %v, time base %v", len(data), codec.Name(),
		stream.CodecParameters().Width(), stream.CodecParameters().Height(), d.frameRate, d.timeBase)
	return nil
}

func (d *AVDecoder) Close() {
	if !d.isOpen {
		return
	}
	d.closer.Close()
	// Stream parameters stay valid until the next Open
	*d = AVDecoder{
		log:       d.log,
		frameRate: d.frameRate,
		timeBase:  d.timeBase,
		duration:  d.duration,
	}
}

func (d *AVDecoder) openCodec() error {
	cc := astiav.AllocCodecContext(d.codec)
	if cc == nil {
		return errors.New("Failed to allocate codec context")
	}
	if err := d.stream.CodecParameters().ToCodecContext(cc); err != nil {
		cc.Free()
		return fmt.Errorf("Failed to copy codec parameters: %w", err)
	}
	cc.SetFramerate(d.formatCtx.GuessFrameRate(d.stream, nil))
	if err := cc.Open(d.codec, nil); err != nil {
		cc.Free()
		return fmt.Errorf("Failed to open codec: %w", err)
	}
	d.codecCtx = cc
	d.packetPending = false
	d.draining = false
	return nil
}

func (d *AVDecoder) freeCodec() {
	if d.codecCtx != nil {
		d.codecCtx.Free()
		d.codecCtx = nil
	}
}

func (d *AVDecoder) freeScaler() {
	if d.scaled != nil {
		d.scaled.Free()
		d.scaled = nil
	}
	if d.scaler != nil {
		d.scaler.Free()
		d.scaler = nil
	}
}

func (d *AVDecoder) ioRead(b []byte) (int, error) {
	n, err := d.reader.Read(b)
	if err == io.EOF {
		return n, astiav.ErrEof
	}
	return n, err
}

func (d *AVDecoder) ioSeek(offset int64, whence int) (int64, error) {
	whence &^= avSeekForce
	if whence == avSeekSize {
		return d.reader.Size(), nil
	}
	return d.reader.Seek(offset, whence)
}

func (d *AVDecoder) DecodeNextFrame(dst *Frame) error {
	if !d.isOpen {
		return ErrNotOpen
	}
	for {
		err := d.codecCtx.ReceiveFrame(d.frame)
		if err == nil {
			err = d.copyFrame(dst)
			d.frame.Unref()
			return err
		} else if errors.Is(err, astiav.ErrEof) {
			return io.EOF
		} else if !errors.Is(err, astiav.ErrEagain) {
			return fmt.Errorf("Failed to receive frame: %w", err)
		}

		// The codec needs more input
		if d.draining {
			return io.EOF
		}
		if !d.packetPending {
			if err := d.formatCtx.ReadFrame(d.packet); err != nil {
				if errors.Is(err, astiav.ErrEof) {
					d.draining = true
					if err := d.codecCtx.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
						return fmt.Errorf("Failed to flush codec: %w", err)
					}
					continue
				}
				return fmt.Errorf("Failed to read packet: %w", err)
			}
			if d.packet.StreamIndex() != d.stream.Index() {
				d.packet.Unref()
				continue
			}
		}
		err = d.codecCtx.SendPacket(d.packet)
		if errors.Is(err, astiav.ErrEagain) {
			d.packetPending = true
			continue
		}
		d.packetPending = false
		d.packet.Unref()
		if err != nil {
			return fmt.Errorf("Failed to send packet: %w", err)
		}
	}
}

// Copy d.frame into dst, converting to YUV420p if necessary
func (d *AVDecoder) copyFrame(dst *Frame) error {
	src := d.frame
	if src.PixelFormat() != astiav.PixelFormatYuv420P {
		if err := d.ensureScaler(src); err != nil {
			return err
		}
		if err := d.scaler.ScaleFrame(src, d.scaled); err != nil {
			return fmt.Errorf("Failed to convert frame to YUV420p: %w", err)
		}
		src = d.scaled
	}

	n, err := src.ImageBufferSize(1)
	if err != nil {
		return fmt.Errorf("Failed to compute image size: %w", err)
	}
	if cap(d.copyBuf) < n {
		d.copyBuf = make([]byte, n)
	}
	d.copyBuf = d.copyBuf[:n]
	if _, err := src.ImageCopyToBuffer(d.copyBuf, 1); err != nil {
		return fmt.Errorf("Failed to copy image: %w", err)
	}
	dst.Image.Resize(src.Width(), src.Height())
	if !dst.Image.CopyFromPacked(d.copyBuf) {
		return fmt.Errorf("Image buffer too small (%v bytes for %v x %v)", n, src.Width(), src.Height())
	}

	pts := d.frame.Pts()
	if pts == avNoPTSValue {
		if d.lastPTS == avNoPTSValue {
			pts = 0
		} else {
			pts = d.lastPTS + FrameDuration(d)
		}
	}
	dst.PTS = pts
	d.lastPTS = pts
	return nil
}

func (d *AVDecoder) ensureScaler(src *astiav.Frame) error {
	w, h, pix := src.Width(), src.Height(), src.PixelFormat()
	if d.scaler != nil && w == d.scalerW && h == d.scalerH && pix == d.scalerPix {
		return nil
	}
	d.freeScaler()
	scaler, err := astiav.CreateSoftwareScaleContext(w, h, pix, w, h, astiav.PixelFormatYuv420P, astiav.NewSoftwareScaleContextFlags())
	if err != nil {
		return fmt.Errorf("Failed to create scaler for %v x %v %v: %w", w, h, pix, err)
	}
	scaled := astiav.AllocFrame()
	scaled.SetWidth(w)
	scaled.SetHeight(h)
	scaled.SetPixelFormat(astiav.PixelFormatYuv420P)
	if err := scaled.AllocBuffer(1); err != nil {
		scaled.Free()
		scaler.Free()
		return fmt.Errorf("Failed to allocate scaler output: %w", err)
	}
	d.log.Debugf("Converting %v to YUV420p", pix)
	d.scaler = scaler
	d.scaled = scaled
	d.scalerW, d.scalerH, d.scalerPix = w, h, pix
	return nil
}

func (d *AVDecoder) SeekNearKeyframe(ts int64) error {
	if !d.isOpen {
		return ErrNotOpen
	}
	idx := d.stream.Index()
	err := d.formatCtx.SeekFrame(idx, ts, astiav.NewSeekFlags(astiav.SeekFlagBackward))
	if err != nil {
		// Some files don't start with a keyframe, in which case a backward seek fails.
		err = d.formatCtx.SeekFrame(idx, ts, astiav.NewSeekFlags(astiav.SeekFlagAny))
	}
	if err != nil {
		d.log.Errorf("Seek to %v failed: %v", ts, err)
		return fmt.Errorf("Seek to %v failed: %w", ts, err)
	}
	d.packet.Unref()
	d.freeCodec()
	if err := d.openCodec(); err != nil {
		return err
	}
	d.lastPTS = avNoPTSValue
	return nil
}

func (d *AVDecoder) FrameRate() rational.Rational {
	return d.frameRate
}

func (d *AVDecoder) TimeBase() rational.Rational {
	return d.timeBase
}

func (d *AVDecoder) Duration() int64 {
	return d.duration
}

func (d *AVDecoder) ToCodecTimestamp(ts int64, from rational.Rational) int64 {
	if !d.timeBase.IsValid() {
		return 0
	}
	return astiav.RescaleQ(ts, toAV(from), toAV(d.timeBase))
}

func (d *AVDecoder) FromCodecTimestamp(ts int64, to rational.Rational) int64 {
	if !d.timeBase.IsValid() {
		return 0
	}
	return astiav.RescaleQ(ts, toAV(d.timeBase), toAV(to))
}
