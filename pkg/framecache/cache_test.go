package framecache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vodscrub/pkg/videox"
	"github.com/stretchr/testify/require"
)

type testCache struct {
	*Cache
	decoder *videox.SyntheticDecoder
	stream  videox.SyntheticStream
}

// Open a cache over a synthetic stream of nframes at 60 FPS, with a keyframe every 30 frames
func openTestCache(t *testing.T, nframes int, cfg Config, setup func(d *videox.SyntheticDecoder)) *testCache {
	stream := videox.NewSyntheticStream(nframes)
	decoder := videox.NewSyntheticDecoder()
	if setup != nil {
		setup(decoder)
	}
	c, err := New(logs.NewTestingLog(t), decoder, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Open(videox.EncodeSyntheticStream(stream)))
	t.Cleanup(c.Close)
	return &testCache{
		Cache:   c,
		decoder: decoder,
		stream:  stream,
	}
}

func frameIndex(f *Frame) int {
	return videox.SyntheticFrameIndex(&f.Image)
}

// Wait for the worker to run out of work, and then verify the invariants
func (c *testCache) waitIdle(t *testing.T) Stats {
	require.Eventually(t, func() bool { return c.Stats().Idle }, 5*time.Second, time.Millisecond)
	s := c.Stats()
	require.Equal(t, c.cfg.Capacity, s.Total())
	require.Equal(t, 0, s.Inflight)
	require.LessOrEqual(t, s.Ahead, c.cfg.BalancedAhead)
	require.LessOrEqual(t, s.Behind, c.cfg.BalancedBehind)

	ahead, behind := c.QueuedPTS()
	for i := 1; i < len(ahead); i++ {
		require.Less(t, ahead[i-1], ahead[i])
	}
	for i := 1; i < len(behind); i++ {
		require.Greater(t, behind[i-1], behind[i])
	}
	if len(ahead) != 0 && len(behind) != 0 {
		require.Less(t, behind[0], ahead[0])
	}
	return s
}

func (c *testCache) pts(frame int) int64 {
	return c.stream.FramePTS(frame)
}

func (c *testCache) ptsRange(from, to, step int) []int64 {
	r := []int64{}
	for i := from; i != to+step; i += step {
		r = append(r, c.pts(i))
	}
	return r
}

// Step forward: the current frame goes behind, and the next frame is taken
func (c *testCache) stepForward(t *testing.T, current *Frame) *Frame {
	require.NoError(t, c.GiveBehindFrame(current))
	next, err := c.TakeAheadFrame()
	require.NoError(t, err)
	return next
}

// Step backward: the current frame goes ahead, and the previous frame is taken
func (c *testCache) stepBackward(t *testing.T, current *Frame) *Frame {
	require.NoError(t, c.GiveAheadFrame(current))
	prev, err := c.TakeBehindFrame()
	require.NoError(t, err)
	return prev
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(logs.NewTestingLog(t), videox.NewSyntheticDecoder(), Config{Capacity: 3})
	require.Error(t, err)
}

func TestOpenFailure(t *testing.T) {
	c, err := New(logs.NewTestingLog(t), videox.NewSyntheticDecoder(), Config{})
	require.NoError(t, err)
	require.ErrorIs(t, c.Open([]byte("not a video")), ErrOpenFailed)
	require.False(t, c.IsOpen())

	// A stream without frames
	require.ErrorIs(t, c.Open(videox.EncodeSyntheticStream(videox.NewSyntheticStream(0))), ErrOpenFailed)
	require.False(t, c.IsOpen())

	_, err = c.TakeAheadFrame()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.SeekNear(0), ErrClosed)
}

func TestInitialFill(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	s := c.waitIdle(t)
	require.Equal(t, 15, s.Ahead)
	require.Equal(t, 0, s.Behind)
	require.Equal(t, 17, s.Free)
	require.True(t, s.BackwardExhausted)
	require.False(t, s.ForwardExhausted)
	ahead, _ := c.QueuedPTS()
	require.Equal(t, c.ptsRange(0, 14, 1), ahead)
	require.Equal(t, int64(0), c.decoder.Seeks())

	_, err := c.TakeBehindFrame()
	require.ErrorIs(t, err, ErrBeginningOfStream)
}

func TestTakeTwentyFrames(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	for i := 0; i < 20; i++ {
		f, err := c.TakeAheadFrame()
		require.NoError(t, err)
		require.Equal(t, i, frameIndex(f))
		require.Equal(t, c.pts(i), f.PTS)
	}
	s := c.waitIdle(t)
	require.Equal(t, 20, s.Loaned)
	require.False(t, s.ForwardExhausted)
}

func TestStepForwardAndBalance(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	cur, err := c.TakeAheadFrame()
	require.NoError(t, err)
	for i := 1; i < 100; i++ {
		cur = c.stepForward(t, cur)
		require.Equal(t, i, frameIndex(cur))
	}
	s := c.waitIdle(t)
	require.Equal(t, 15, s.Ahead)
	require.Equal(t, 16, s.Behind)
	require.Equal(t, 1, s.Loaned)
	ahead, behind := c.QueuedPTS()
	require.Equal(t, c.ptsRange(100, 114, 1), ahead)
	require.Equal(t, c.ptsRange(98, 83, -1), behind)
	// Stepping forward never needs a decoder seek
	require.Equal(t, int64(0), c.decoder.Seeks())
}

func TestEndOfStream(t *testing.T) {
	c := openTestCache(t, 40, Config{}, nil)
	cur, err := c.TakeAheadFrame()
	require.NoError(t, err)
	for i := 1; i < 40; i++ {
		cur = c.stepForward(t, cur)
		require.Equal(t, i, frameIndex(cur))
	}
	require.NoError(t, c.GiveBehindFrame(cur))
	_, err = c.TakeAheadFrame()
	require.ErrorIs(t, err, ErrEndOfStream)
	s := c.waitIdle(t)
	require.True(t, s.ForwardExhausted)
}

func TestForwardDecodeFailureIsEndOfStream(t *testing.T) {
	c := openTestCache(t, 300, Config{}, func(d *videox.SyntheticDecoder) {
		d.FailDecodeAt = 20
	})
	for i := 0; i < 20; i++ {
		f, err := c.TakeAheadFrame()
		require.NoError(t, err)
		require.Equal(t, i, frameIndex(f))
		require.NoError(t, c.GiveBehindFrame(f))
	}
	_, err := c.TakeAheadFrame()
	require.ErrorIs(t, err, ErrEndOfStream)
}

func TestSeekToKeyframe(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	require.NoError(t, c.SeekNear(c.pts(150)))
	f, err := c.TakeAheadFrame()
	require.NoError(t, err)
	require.Equal(t, 150, frameIndex(f))

	// Backward fill decodes from the previous keyframe
	s := c.waitIdle(t)
	require.Equal(t, 1, s.Loaned)
	ahead, behind := c.QueuedPTS()
	require.Equal(t, c.ptsRange(151, 165, 1), ahead)
	// 15 or 16, depending on how many frames were free when the backward fill ran
	require.GreaterOrEqual(t, len(behind), 15)
	require.Equal(t, c.ptsRange(149, 150-len(behind), -1), behind)
	require.Equal(t, int64(1), s.Seeks)
	require.Len(t, s.RecentSeekTimes, 1)
}

func TestSeekBetweenKeyframes(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	require.NoError(t, c.SeekNear(c.pts(165)))
	c.waitIdle(t)
	ahead, behind := c.QueuedPTS()
	require.Equal(t, c.ptsRange(165, 179, 1), ahead)
	// Everything between the keyframe and the target is kept
	require.Equal(t, c.ptsRange(164, 150, -1), behind)

	// A target between two frames resolves to the earlier one
	require.NoError(t, c.SeekNear(c.pts(200)+100))
	f, err := c.TakeAheadFrame()
	require.NoError(t, err)
	require.Equal(t, 200, frameIndex(f))
}

func TestSeekLongHistory(t *testing.T) {
	cfg := Config{Capacity: 16}
	c := openTestCache(t, 300, cfg, nil)
	// 29 frames between the keyframe and the target, which is more than the pool
	require.NoError(t, c.SeekNear(c.pts(269)))
	s := c.waitIdle(t)
	ahead, behind := c.QueuedPTS()
	require.Equal(t, c.pts(269), ahead[0])
	require.Equal(t, c.ptsRange(268, 261, -1), behind)
	require.Equal(t, 8, s.Behind)
}

func TestSeekBeforeStart(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	require.NoError(t, c.SeekNear(c.pts(100)))
	require.NoError(t, c.SeekNear(-1000))
	f, err := c.TakeAheadFrame()
	require.NoError(t, err)
	require.Equal(t, 0, frameIndex(f))
}

func TestSeekIsIdempotent(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	target := c.pts(222)
	require.NoError(t, c.SeekNear(target))
	c.waitIdle(t)
	ahead1, behind1 := c.QueuedPTS()
	require.NoError(t, c.SeekNear(target))
	c.waitIdle(t)
	ahead2, behind2 := c.QueuedPTS()
	require.Equal(t, ahead1, ahead2)
	require.Equal(t, behind1, behind2)
	f, err := c.TakeAheadFrame()
	require.NoError(t, err)
	require.Equal(t, 222, frameIndex(f))
}

func TestSeekPastEnd(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	err := c.SeekNear(c.pts(400))
	require.ErrorIs(t, err, ErrSeekFailed)
	_, err = c.TakeAheadFrame()
	require.ErrorIs(t, err, ErrSeekFailed)
	_, err = c.TakeBehindFrame()
	require.ErrorIs(t, err, ErrSeekFailed)
	s := c.waitIdle(t)
	require.Equal(t, c.cfg.Capacity, s.Free)
	require.True(t, s.SeekFailed)
	require.Equal(t, int64(1), s.SeekFailures)

	// The last frame is still reachable, and a good seek clears the failure
	require.NoError(t, c.SeekNear(c.pts(299)))
	f, err := c.TakeAheadFrame()
	require.NoError(t, err)
	require.Equal(t, 299, frameIndex(f))
	require.NoError(t, c.GiveBehindFrame(f))
	_, err = c.TakeAheadFrame()
	require.ErrorIs(t, err, ErrEndOfStream)
}

func TestDecoderSeekFailure(t *testing.T) {
	c := openTestCache(t, 300, Config{}, func(d *videox.SyntheticDecoder) {
		d.FailSeek = true
	})
	require.ErrorIs(t, c.SeekNear(c.pts(100)), ErrSeekFailed)
	s := c.waitIdle(t)
	require.Equal(t, c.cfg.Capacity, s.Free)
}

func TestRoundTrip(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	cur, err := c.TakeAheadFrame()
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		cur = c.stepForward(t, cur)
	}
	c.waitIdle(t)
	ahead0, behind0 := c.QueuedPTS()

	f, err := c.TakeAheadFrame()
	require.NoError(t, err)
	require.NoError(t, c.GiveAheadFrame(f))
	c.waitIdle(t)
	ahead1, behind1 := c.QueuedPTS()
	require.Equal(t, ahead0, ahead1)
	require.Equal(t, behind0, behind1)

	f, err = c.TakeBehindFrame()
	require.NoError(t, err)
	require.Equal(t, 29, frameIndex(f))
	require.NoError(t, c.GiveBehindFrame(f))
	c.waitIdle(t)
	ahead2, behind2 := c.QueuedPTS()
	require.Equal(t, ahead0, ahead2)
	require.Equal(t, behind0, behind2)
	require.Equal(t, 1, c.Stats().Loaned)
}

func TestStepBackward(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	require.NoError(t, c.SeekNear(c.pts(150)))
	cur, err := c.TakeAheadFrame()
	require.NoError(t, err)
	for i := 149; i >= 60; i-- {
		cur = c.stepBackward(t, cur)
		require.Equal(t, i, frameIndex(cur))
	}
	s := c.waitIdle(t)
	require.Equal(t, 1, s.Loaned)
	require.Greater(t, s.Behind, 0)
	require.Greater(t, s.DecoderSeeks, int64(3))

	// And forward again, through frames that were decoded backward
	for i := 61; i <= 80; i++ {
		cur = c.stepForward(t, cur)
		require.Equal(t, i, frameIndex(cur))
	}
	c.waitIdle(t)
}

func TestStepBackwardToStart(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	require.NoError(t, c.SeekNear(c.pts(40)))
	cur, err := c.TakeAheadFrame()
	require.NoError(t, err)
	for i := 39; i >= 0; i-- {
		cur = c.stepBackward(t, cur)
		require.Equal(t, i, frameIndex(cur))
	}
	require.NoError(t, c.GiveAheadFrame(cur))
	_, err = c.TakeBehindFrame()
	require.ErrorIs(t, err, ErrBeginningOfStream)
	cur, err = c.TakeAheadFrame()
	require.NoError(t, err)
	require.Equal(t, 0, frameIndex(cur))
	s := c.waitIdle(t)
	require.True(t, s.BackwardExhausted)
}

func TestBackwardFillFailure(t *testing.T) {
	c := openTestCache(t, 300, Config{}, func(d *videox.SyntheticDecoder) {
		d.FailDecodeAt = 125
	})
	require.NoError(t, c.SeekNear(c.pts(150)))
	cur, err := c.TakeAheadFrame()
	require.NoError(t, err)
	require.NoError(t, c.GiveAheadFrame(cur))
	_, err = c.TakeBehindFrame()
	require.ErrorIs(t, err, ErrBackwardFill)

	// Forward playback is unaffected
	cur, err = c.TakeAheadFrame()
	require.NoError(t, err)
	require.Equal(t, 150, frameIndex(cur))
	cur = c.stepForward(t, cur)
	require.Equal(t, 151, frameIndex(cur))

	// A seek clears the error
	require.NoError(t, c.SeekNear(c.pts(60)))
	cur, err = c.TakeAheadFrame()
	require.NoError(t, err)
	require.NoError(t, c.GiveAheadFrame(cur))
	cur, err = c.TakeBehindFrame()
	require.NoError(t, err)
	require.Equal(t, 59, frameIndex(cur))
}

func TestGiveRules(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	f, err := c.TakeAheadFrame()
	require.NoError(t, err)

	require.NoError(t, c.GiveAheadFrame(nil))
	require.ErrorIs(t, c.GiveAheadFrame(&Frame{}), ErrNotLoaned)

	// A frame loaned before a seek is recycled
	require.NoError(t, c.SeekNear(c.pts(100)))
	require.NoError(t, c.GiveBehindFrame(f))
	s := c.waitIdle(t)
	require.Equal(t, 0, s.Loaned)
	_, behind := c.QueuedPTS()
	require.NotContains(t, behind, c.pts(0))

	// Giving twice
	require.ErrorIs(t, c.GiveBehindFrame(f), ErrNotLoaned)

	// A frame that would break the order is recycled
	a, err := c.TakeAheadFrame()
	require.NoError(t, err)
	require.Equal(t, 100, frameIndex(a))
	b, err := c.TakeAheadFrame()
	require.NoError(t, err)
	require.Equal(t, 101, frameIndex(b))
	require.NoError(t, c.GiveAheadFrame(a))
	require.NoError(t, c.GiveAheadFrame(b))
	s = c.waitIdle(t)
	require.Equal(t, 0, s.Loaned)
	ahead, _ := c.QueuedPTS()
	require.Equal(t, c.pts(100), ahead[0])
	require.Equal(t, c.pts(102), ahead[1])
}

func TestGiveAfterClose(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	f, err := c.TakeAheadFrame()
	require.NoError(t, err)
	c.Close()
	require.NoError(t, c.GiveAheadFrame(f))
	_, err = c.TakeAheadFrame()
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, 0, c.Stats().Total())
	// Idempotent
	c.Close()
}

func TestReopen(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	require.NoError(t, c.SeekNear(c.pts(200)))
	require.NoError(t, c.Open(videox.EncodeSyntheticStream(c.stream)))
	f, err := c.TakeAheadFrame()
	require.NoError(t, err)
	require.Equal(t, 0, frameIndex(f))
	c.waitIdle(t)
}

func TestCloseDuringDecode(t *testing.T) {
	c := openTestCache(t, 300, Config{}, func(d *videox.SyntheticDecoder) {
		d.DecodeDelay = 10 * time.Millisecond
	})
	seekErr := make(chan error)
	go func() {
		seekErr <- c.SeekNear(c.pts(289))
	}()
	time.Sleep(30 * time.Millisecond)
	start := time.Now()
	c.Close()
	require.Less(t, time.Since(start), time.Second)
	require.ErrorIs(t, <-seekErr, ErrClosed)
	require.False(t, c.IsOpen())
}

func TestLastSeekWins(t *testing.T) {
	c := openTestCache(t, 300, Config{}, func(d *videox.SyntheticDecoder) {
		d.DecodeDelay = 2 * time.Millisecond
	})
	c.waitIdle(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = c.SeekNear(c.pts(100))
	}()
	// Wait until the worker is busy with the first request
	require.Eventually(t, func() bool { return c.decoder.Seeks() > 0 }, 5*time.Second, time.Millisecond)
	go func() {
		defer wg.Done()
		errs[1] = c.SeekNear(c.pts(200))
	}()
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	f, err := c.TakeAheadFrame()
	require.NoError(t, err)
	require.Equal(t, 200, frameIndex(f))
	c.waitIdle(t)
}

func TestTimestampConversion(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	require.Equal(t, int64(150*256), c.ToCodecTimestamp(150, 1, 60))
	require.Equal(t, int64(150), c.FromCodecTimestamp(150*256, 1, 60))
	require.Equal(t, int64(300*256), c.Duration())
	require.Equal(t, 60, c.FrameRate().Num)
	require.Equal(t, 15360, c.TimeBase().Den)
}

func TestErrorsAreDistinct(t *testing.T) {
	all := []error{ErrOpenFailed, ErrClosed, ErrEndOfStream, ErrBeginningOfStream, ErrSeekFailed, ErrBackwardFill, ErrNotLoaned}
	for i := range all {
		for j := range all {
			require.Equal(t, i == j, errors.Is(all[i], all[j]))
		}
	}
}

// Take n frames from the ahead queue and keep them
func (c *testCache) hoard(t *testing.T, n int) []*Frame {
	var held []*Frame
	for i := 0; i < n; i++ {
		f, err := c.TakeAheadFrame()
		require.NoError(t, err)
		held = append(held, f)
	}
	return held
}

func TestStepBackwardWithExtraLoan(t *testing.T) {
	// No slack beyond the single frame being shown, and the consumer holds one more
	cfg := Config{Capacity: 8, BalancedAhead: 3, BalancedBehind: 4, BehindRefill: 4}
	c := openTestCache(t, 300, cfg, nil)
	require.NoError(t, c.SeekNear(c.pts(150)))
	held := c.hoard(t, 1)
	require.Equal(t, 150, frameIndex(held[0]))
	cur, err := c.TakeAheadFrame()
	require.NoError(t, err)
	require.Equal(t, 151, frameIndex(cur))

	for i := 149; i >= 110; i-- {
		cur = c.stepBackward(t, cur)
		require.Equal(t, i, frameIndex(cur))
	}
	s := c.waitIdle(t)
	require.False(t, s.BackwardExhausted)
	require.Equal(t, 2, s.Loaned)
}

func TestStepBackwardWithManyLoans(t *testing.T) {
	// The consumer holds so many frames that a queue can only be filled by shrinking the other one
	c := openTestCache(t, 300, Config{Capacity: 8}, nil)
	require.NoError(t, c.SeekNear(c.pts(150)))
	held := c.hoard(t, 4)
	require.Equal(t, 153, frameIndex(held[3]))
	cur, err := c.TakeAheadFrame()
	require.NoError(t, err)
	require.Equal(t, 154, frameIndex(cur))

	for i := 149; i >= 100; i-- {
		cur = c.stepBackward(t, cur)
		require.Equal(t, i, frameIndex(cur))
	}
	s := c.waitIdle(t)
	require.False(t, s.BackwardExhausted)
	require.Greater(t, s.Reclaimed, int64(0))

	for i := 101; i <= 140; i++ {
		cur = c.stepForward(t, cur)
		require.Equal(t, i, frameIndex(cur))
	}
	c.waitIdle(t)
}

func TestSeekWaitsForFreeFrames(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	held := c.hoard(t, c.cfg.Capacity)
	require.Equal(t, c.cfg.Capacity-1, frameIndex(held[len(held)-1]))
	require.Equal(t, 0, c.Stats().Free)

	seekErr := make(chan error, 1)
	go func() {
		// Between frames 200 and 201
		seekErr <- c.SeekNear(c.pts(200) + 100)
	}()

	// Every frame is on loan, so the seek can't start
	require.Eventually(t, func() bool { return c.Stats().PoolStalls == 1 }, 5*time.Second, time.Millisecond)
	// One frame is not enough, because the newest frame before the target must be kept while decoding the next one
	require.NoError(t, c.GiveAheadFrame(held[0]))
	require.Eventually(t, func() bool { return c.Stats().PoolStalls == 2 }, 5*time.Second, time.Millisecond)
	select {
	case err := <-seekErr:
		require.FailNow(t, "Seek finished early", "%v", err)
	default:
	}

	require.NoError(t, c.GiveAheadFrame(held[1]))
	require.NoError(t, <-seekErr)
	f, err := c.TakeAheadFrame()
	require.NoError(t, err)
	require.Equal(t, 200, frameIndex(f))

	// Frames loaned before the seek go back to the pool
	for _, h := range held[2:] {
		require.NoError(t, c.GiveBehindFrame(h))
	}
	s := c.waitIdle(t)
	require.Equal(t, 1, s.Loaned)
	require.False(t, s.SeekFailed)
	_, behind := c.QueuedPTS()
	require.NotEmpty(t, behind)
	require.Equal(t, c.pts(199), behind[0])
}

func TestTimestampConversionAfterClose(t *testing.T) {
	c := openTestCache(t, 300, Config{}, nil)
	c.Close()
	require.Equal(t, int64(150*256), c.ToCodecTimestamp(150, 1, 60))
	require.Equal(t, int64(150), c.FromCodecTimestamp(150*256, 1, 60))
	require.Equal(t, int64(0), c.ToCodecTimestamp(150, 1, 0))

	// Nothing was ever opened
	fresh, err := New(logs.NewTestingLog(t), videox.NewSyntheticDecoder(), Config{})
	require.NoError(t, err)
	require.Equal(t, int64(0), fresh.ToCodecTimestamp(150, 1, 60))
	require.Equal(t, int64(0), fresh.FromCodecTimestamp(150, 1, 60))
}
