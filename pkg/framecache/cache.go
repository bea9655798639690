// Package framecache keeps a sliding window of decoded video frames around the
// current playback position, so that stepping and scrubbing are instant even
// though decoding is expensive and sequential.
//
// A single background worker keeps two queues balanced: frames ahead of "now"
// (nearest first) and frames behind "now" (most recently played first).
// All frames live in a fixed pool, which is the only memory bound.
package framecache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vodscrub/pkg/prefixlog"
	"github.com/cyclopcam/vodscrub/pkg/rational"
	"github.com/cyclopcam/vodscrub/pkg/videox"
)

var ErrOpenFailed = errors.New("Failed to open video")
var ErrClosed = errors.New("Frame cache is closed")
var ErrEndOfStream = errors.New("End of stream")
var ErrBeginningOfStream = errors.New("Beginning of stream")
var ErrSeekFailed = errors.New("Seek failed")
var ErrBackwardFill = errors.New("Failed to decode frames behind the current position")
var ErrNotLoaned = errors.New("Frame is not on loan from this cache")

// Cache is a buffered, seekable frame source on top of a videox.Decoder.
// It is intended for a single consumer, which takes frames, presents them,
// and gives them back.
type Cache struct {
	log     logs.Log
	decoder videox.Decoder
	cfg     Config

	lock       sync.Mutex
	cond       *sync.Cond
	pool       *pool
	ahead      handleDeque // ts > now, nearest first
	behind     handleDeque // ts <= now, nearest first
	scratch    handleDeque // worker-only ring of slots while seeking or filling backward
	isOpen     bool
	shutdown   bool
	workerDone chan struct{}
	workerIdle bool

	epoch             uint64 // Incremented whenever a seek clears the queues
	nowPTS            int64  // PTS of the most recently taken frame, or where the last seek landed
	firstPTS          int64  // PTS of the first frame in the stream
	frameDuration     int64  // Codec time base
	forwardExhausted  bool
	backwardExhausted bool
	backwardErr       error
	seekFailed        bool // Sticky until the next successful seek
	aheadWaiters      int  // Consumers blocked in TakeAheadFrame
	behindWaiters     int  // Consumers blocked in TakeBehindFrame

	// Decoder position. Only meaningful while decoderValid is true.
	decodedPTS   int64
	decoderValid bool

	seekPending    bool
	seekTarget     int64
	seekSerial     uint64 // Serial of the most recent request
	seekDoneSerial uint64 // Serial of the request whose result is in seekResult
	seekResult     error

	stats cacheStats
}

// New creates a closed cache. Call Open to start decoding.
func New(log logs.Log, decoder videox.Decoder, cfg Config) (*Cache, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid frame cache config: %w", err)
	}
	c := &Cache{
		log:     prefixlog.New(log, "FrameCache"),
		decoder: decoder,
		cfg:     cfg,
		ahead:   newHandleDeque(cfg.Capacity),
		behind:  newHandleDeque(cfg.Capacity),
		scratch: newHandleDeque(cfg.Capacity),
		stats:   newCacheStats(),
	}
	c.cond = sync.NewCond(&c.lock)
	return c, nil
}

func (c *Cache) Config() Config {
	return c.cfg
}

// Open the video in data, decode the first frame, and start the worker.
// If the cache is already open, it is closed first.
func (c *Cache) Open(data []byte) error {
	c.Close()

	if err := c.decoder.Open(data); err != nil {
		return fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	success := false
	defer func() {
		if !success {
			c.decoder.Close()
		}
	}()

	// The worker isn't running yet, so we're the only user of the pool
	p := newPool(c.cfg.Capacity)
	h, _ := p.acquireFree()
	first := p.frame(h)
	if err := c.decoder.DecodeNextFrame(&first.Frame); err != nil {
		return fmt.Errorf("%w: failed to decode first frame: %w", ErrOpenFailed, err)
	}

	c.lock.Lock()
	c.pool = p
	c.ahead.pushBack(h)
	p.setState(h, stateAhead)
	c.epoch++
	c.firstPTS = first.PTS
	c.nowPTS = first.PTS
	c.decodedPTS = first.PTS
	c.decoderValid = true
	c.frameDuration = videox.FrameDuration(c.decoder)
	c.forwardExhausted = false
	c.backwardExhausted = false
	c.backwardErr = nil
	c.seekFailed = false
	c.seekPending = false
	c.seekDoneSerial = c.seekSerial
	c.seekResult = nil
	c.shutdown = false
	c.isOpen = true
	c.workerIdle = false
	c.workerDone = make(chan struct{})
	c.stats.framesDecoded++
	go c.worker(c.workerDone)
	c.lock.Unlock()

	c.log.Infof("Opened %v bytes. First PTS %v, frame rate %v, time base %v, duration %v",
		len(data), c.firstPTS, c.decoder.FrameRate(), c.decoder.TimeBase(), c.decoder.Duration())
	success = true
	return nil
}

// Close stops the worker, returns all frames to the pool, and closes the decoder.
// Frames that are on loan become invalid, and giving them back is a no-op.
func (c *Cache) Close() {
	c.lock.Lock()
	if !c.isOpen || c.shutdown {
		c.lock.Unlock()
		return
	}
	c.shutdown = true
	c.cond.Broadcast()
	done := c.workerDone
	c.lock.Unlock()

	<-done

	c.lock.Lock()
	c.clearQueues()
	c.pool = nil
	c.isOpen = false
	c.decoderValid = false
	c.cond.Broadcast()
	c.lock.Unlock()

	c.decoder.Close()
	c.log.Infof("Closed")
}

func (c *Cache) IsOpen() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.isOpen && !c.shutdown
}

// TakeAheadFrame blocks until the next frame is available, and loans it to the caller.
// "now" advances to the returned frame.
func (c *Cache) TakeAheadFrame() (*Frame, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for {
		if !c.isOpen || c.shutdown {
			return nil, ErrClosed
		}
		if !c.seekPending {
			if c.seekFailed {
				return nil, ErrSeekFailed
			}
			if c.ahead.len() != 0 {
				return c.loan(c.ahead.popFront()), nil
			}
			if c.forwardExhausted {
				return nil, ErrEndOfStream
			}
		}
		c.aheadWaiters++
		c.cond.Broadcast()
		c.cond.Wait()
		c.aheadWaiters--
	}
}

// TakeBehindFrame blocks until the previous frame is available, and loans it to the caller.
func (c *Cache) TakeBehindFrame() (*Frame, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for {
		if !c.isOpen || c.shutdown {
			return nil, ErrClosed
		}
		if !c.seekPending {
			if c.seekFailed {
				return nil, ErrSeekFailed
			}
			if c.behind.len() != 0 {
				return c.loan(c.behind.popFront()), nil
			}
			if c.backwardErr != nil {
				return nil, c.backwardErr
			}
			if c.backwardExhausted {
				return nil, ErrBeginningOfStream
			}
		}
		c.behindWaiters++
		c.cond.Broadcast()
		c.cond.Wait()
		c.behindWaiters--
	}
}

func (c *Cache) loan(h int) *Frame {
	c.pool.setState(h, stateLoaned)
	f := c.pool.frame(h)
	f.epoch = c.epoch
	c.nowPTS = f.PTS
	c.wake()
	return f
}

// GiveAheadFrame returns a loaned frame to the front of the ahead queue.
// GiveAheadFrame(TakeAheadFrame()) leaves the ahead queue as it was.
// A frame that was loaned before the most recent seek, or that no longer fits
// in front of the ahead queue, goes back to the pool instead.
func (c *Cache) GiveAheadFrame(f *Frame) error {
	return c.give(f, true)
}

// GiveBehindFrame returns a loaned frame to the front of the behind queue.
// GiveBehindFrame(TakeBehindFrame()) leaves the behind queue as it was.
func (c *Cache) GiveBehindFrame(f *Frame) error {
	return c.give(f, false)
}

func (c *Cache) give(f *Frame, ahead bool) error {
	if f == nil {
		return nil
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.isOpen || c.pool == nil {
		return nil
	}
	if !c.pool.owns(f) || c.pool.state(f.handle) != stateLoaned {
		return ErrNotLoaned
	}
	defer c.wake()

	if f.epoch != c.epoch || !c.fitsBetween(f.PTS) {
		c.pool.release(f.handle)
		return nil
	}
	if ahead {
		c.ahead.pushFront(f.handle)
		c.pool.setState(f.handle, stateAhead)
	} else {
		c.behind.pushFront(f.handle)
		c.pool.setState(f.handle, stateBehind)
	}
	return nil
}

// Returns true if a frame with the given PTS can go to the front of either queue,
// without breaking the ordering behind.front < pts < ahead.front.
func (c *Cache) fitsBetween(pts int64) bool {
	if c.behind.len() != 0 && c.pool.frame(c.behind.front()).PTS >= pts {
		return false
	}
	if c.ahead.len() != 0 && c.pool.frame(c.ahead.front()).PTS <= pts {
		return false
	}
	return true
}

// SeekNear asks the worker to position the cache so that the next TakeAheadFrame returns
// the last frame at or before ts (or the first frame of the stream, if ts precedes it).
// SeekNear blocks until the worker has finished. If another seek is requested in the
// meantime, only the most recent one is performed, and all callers receive its result.
func (c *Cache) SeekNear(ts int64) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.isOpen || c.shutdown {
		return ErrClosed
	}
	c.seekSerial++
	serial := c.seekSerial
	c.seekTarget = ts
	c.seekPending = true
	c.wake()
	for c.seekDoneSerial < serial {
		if !c.isOpen || c.shutdown {
			return ErrClosed
		}
		c.cond.Wait()
	}
	return c.seekResult
}

func (c *Cache) FrameRate() rational.Rational {
	return c.decoder.FrameRate()
}

func (c *Cache) TimeBase() rational.Rational {
	return c.decoder.TimeBase()
}

// Duration of the stream, in the codec time base
func (c *Cache) Duration() int64 {
	return c.decoder.Duration()
}

// Convert ts in units of num/den seconds into the codec time base.
// Returns 0 if no video has been opened yet.
func (c *Cache) ToCodecTimestamp(ts int64, num, den int) int64 {
	if !c.canConvert(num, den) {
		return 0
	}
	return c.decoder.ToCodecTimestamp(ts, rational.New(num, den))
}

// Convert ts in the codec time base into units of num/den seconds.
// Returns 0 if no video has been opened yet.
func (c *Cache) FromCodecTimestamp(ts int64, num, den int) int64 {
	if !c.canConvert(num, den) {
		return 0
	}
	return c.decoder.FromCodecTimestamp(ts, rational.New(num, den))
}

// The decoder keeps its stream parameters after Close, so conversions stay valid
// for the most recently opened video.
func (c *Cache) canConvert(num, den int) bool {
	return rational.New(num, den).IsValid() && c.decoder.TimeBase().IsValid()
}

// Signal the worker (and any waiting consumer) that the state has changed.
// The worker is no longer idle until it has looked at the new state.
func (c *Cache) wake() {
	c.workerIdle = false
	c.cond.Broadcast()
}

// Return all queued frames to the pool.
// Loaned frames stay on loan, but give will recycle them because the epoch changes.
// Must be called with the lock held.
func (c *Cache) clearQueues() {
	for c.ahead.len() != 0 {
		c.pool.release(c.ahead.popBack())
	}
	for c.behind.len() != 0 {
		c.pool.release(c.behind.popBack())
	}
}
