package framecache

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// errInterrupted means the worker dropped what it was doing because of shutdown or a newer seek
var errInterrupted = errors.New("interrupted")

func (c *Cache) worker(done chan struct{}) {
	defer close(done)
	c.lock.Lock()
	defer c.lock.Unlock()

	for !c.shutdown {
		c.balance()
		c.reclaim()
		if c.seekPending {
			c.serviceSeek()
		} else if c.seekFailed {
			// Nothing to do until the consumer asks for a new position
			c.idleWait()
		} else if c.behindWaiters != 0 && c.needBackwardFill() {
			c.fillBackward()
		} else if c.needForwardFill() {
			c.fillForward()
		} else if c.needBackwardFill() {
			c.fillBackward()
		} else {
			c.idleWait()
		}
	}
}

func (c *Cache) idleWait() {
	c.workerIdle = true
	c.cond.Wait()
	c.workerIdle = false
}

// Returns true if the worker must drop its current job
func (c *Cache) interrupted(epoch uint64) bool {
	return c.shutdown || c.seekPending || c.epoch != epoch
}

// Decode the next frame into slot h, with the lock released.
// Must be called with the lock held, and h must be inflight.
func (c *Cache) decodeInto(h int) error {
	slot := c.pool.frame(h)
	c.lock.Unlock()
	start := time.Now()
	err := c.decoder.DecodeNextFrame(&slot.Frame)
	elapsed := time.Since(start)
	c.lock.Lock()
	if err == nil {
		c.stats.decodeTime.AddSample(elapsed)
		c.stats.framesDecoded++
		c.decodedPTS = slot.PTS
		c.decoderValid = true
	} else {
		c.decoderValid = false
	}
	return err
}

// Seek the decoder with the lock released.
func (c *Cache) seekDecoder(ts int64) error {
	c.decoderValid = false
	c.lock.Unlock()
	err := c.decoder.SeekNearKeyframe(ts)
	c.lock.Lock()
	c.stats.decoderSeeks++
	return err
}

// Trim both queues down to their balanced sizes, discarding the frames furthest from now
func (c *Cache) balance() {
	trimmed := false
	for c.ahead.len() > c.cfg.BalancedAhead {
		c.pool.release(c.ahead.popBack())
		c.forwardExhausted = false
		trimmed = true
	}
	for c.behind.len() > c.cfg.BalancedBehind {
		c.pool.release(c.behind.popBack())
		c.backwardExhausted = false
		trimmed = true
	}
	if trimmed {
		c.cond.Broadcast()
	}
}

// When the consumer is blocked on an empty queue and the pool is too low to fill it,
// give up the far end of the other queue. This only happens when the consumer holds
// more frames than LoanSlack allows for.
func (c *Cache) reclaim() {
	if c.behindWaiters != 0 && c.behind.len() == 0 && !c.backwardExhausted && c.backwardErr == nil && c.oldestKnown() > c.firstPTS {
		for c.pool.numFree() < minBackwardSlots && c.ahead.len() != 0 {
			c.pool.release(c.ahead.popBack())
			c.forwardExhausted = false
			c.stats.reclaimed++
		}
	}
	if c.aheadWaiters != 0 && c.ahead.len() == 0 && !c.forwardExhausted {
		for c.pool.numFree() == 0 && c.behind.len() != 0 {
			c.pool.release(c.behind.popBack())
			c.backwardExhausted = false
			c.stats.reclaimed++
		}
	}
}

// Acquire a free slot, waiting for the consumer to give one back if necessary.
// Waiting is abandoned if the job is interrupted.
func (c *Cache) waitFree(epoch uint64) (int, error) {
	logged := false
	for {
		if c.interrupted(epoch) {
			return 0, errInterrupted
		}
		if h, ok := c.pool.acquireFree(); ok {
			return h, nil
		}
		if !logged {
			c.log.Debugf("Waiting for the consumer to give back a frame (%v on loan)", c.pool.count(stateLoaned))
			c.stats.poolStalls++
			logged = true
		}
		c.cond.Wait()
	}
}

// Find a slot for the next frame of a history ring (c.scratch, newest first).
// The oldest entry is recycled once the ring holds limit frames, or when the pool is empty,
// but the newest entry is never recycled, because it may be the frame we're looking for.
func (c *Cache) nextRingSlot(limit int, epoch uint64) (int, error) {
	ring := &c.scratch
	if ring.len() >= limit {
		return ring.popBack(), nil
	}
	if h, ok := c.pool.acquireFree(); ok {
		return h, nil
	}
	if ring.len() >= 2 {
		return ring.popBack(), nil
	}
	return c.waitFree(epoch)
}

func (c *Cache) releaseScratch() {
	for c.scratch.len() != 0 {
		c.pool.release(c.scratch.popFront())
	}
}

func (c *Cache) serviceSeek() {
	serial := c.seekSerial
	target := c.seekTarget
	c.seekPending = false
	c.epoch++
	c.clearQueues()
	c.forwardExhausted = false
	c.backwardExhausted = false
	c.backwardErr = nil
	c.seekFailed = false
	c.cond.Broadcast()

	start := time.Now()
	err := c.seekTo(target, c.epoch)
	if errors.Is(err, errInterrupted) {
		// A newer request will publish its result, which every waiter receives
		return
	}
	elapsed := time.Since(start)
	c.stats.seekTime.AddSample(elapsed)
	c.stats.recentSeekTimes.Add(elapsed)
	c.stats.seeks++
	if err != nil {
		c.stats.seekFailures++
		c.seekFailed = true
		c.clearQueues()
		c.log.Warnf("Seek to %v failed: %v", target, err)
	} else {
		c.nowPTS = c.pool.frame(c.ahead.front()).PTS
		c.log.Debugf("Seek to %v served in %v. Ahead front %v, %v behind", target, elapsed,
			c.nowPTS, c.behind.len())
	}
	c.seekDoneSerial = serial
	c.seekResult = err
	c.cond.Broadcast()
}

// Position the queues so that the front of the ahead queue is the last frame at or before target,
// or the first frame after target if the decoder could not land before it.
// Frames decoded before target are kept in c.scratch (newest first), and the ones that survive
// end up in the behind queue.
func (c *Cache) seekTo(target int64, epoch uint64) error {
	if err := c.seekDecoder(target); err != nil {
		if c.interrupted(epoch) {
			return errInterrupted
		}
		return fmt.Errorf("%w: %w", ErrSeekFailed, err)
	}
	if c.interrupted(epoch) {
		return errInterrupted
	}

	history := &c.scratch
	for {
		h, err := c.nextRingSlot(c.cfg.BalancedBehind+1, epoch)
		if err != nil {
			c.releaseScratch()
			return err
		}

		err = c.decodeInto(h)
		if c.interrupted(epoch) {
			c.pool.release(h)
			c.releaseScratch()
			return errInterrupted
		}
		if err != nil {
			c.pool.release(h)
			c.releaseScratch()
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: reached end of stream before %v", ErrSeekFailed, target)
			}
			return fmt.Errorf("%w: %w", ErrSeekFailed, err)
		}

		pts := c.pool.frame(h).PTS
		if pts < target {
			history.pushFront(h)
			continue
		}

		if pts > target && history.len() != 0 {
			// The newest frame before target is the one we're looking for
			resolved := history.popFront()
			c.ahead.pushBack(resolved)
			c.pool.setState(resolved, stateAhead)
		}
		c.ahead.pushBack(h)
		c.pool.setState(h, stateAhead)
		for history.len() != 0 {
			b := history.popFront()
			if c.behind.len() >= c.cfg.BalancedBehind {
				c.pool.release(b)
				continue
			}
			c.behind.pushBack(b)
			c.pool.setState(b, stateBehind)
		}
		return nil
	}
}

func (c *Cache) needForwardFill() bool {
	return !c.forwardExhausted && c.ahead.len() < c.cfg.AheadRefill && c.pool.numFree() != 0
}

// Backward fill needs one slot for the frame being decoded, and one for the newest frame
// before it, which must survive until we know it is the last one before the oldest known frame.
const minBackwardSlots = 2

func (c *Cache) needBackwardFill() bool {
	return !c.backwardExhausted && c.backwardErr == nil && c.behind.len() < c.cfg.BehindRefill && c.pool.numFree() >= minBackwardSlots
}

// Return the PTS of the newest frame covered by the window around now.
// Frames the consumer holds on to are not part of the window, unless one of them is now.
func (c *Cache) newestKnown() int64 {
	if c.ahead.len() != 0 {
		return c.pool.frame(c.ahead.back()).PTS
	}
	newest := c.nowPTS
	if c.behind.len() != 0 {
		newest = max(newest, c.pool.frame(c.behind.front()).PTS)
	}
	return newest
}

// Return the PTS of the oldest frame covered by the window around now
func (c *Cache) oldestKnown() int64 {
	if c.behind.len() != 0 {
		return c.pool.frame(c.behind.back()).PTS
	}
	oldest := c.nowPTS
	if c.ahead.len() != 0 {
		oldest = min(oldest, c.pool.frame(c.ahead.front()).PTS)
	}
	return oldest
}

// Decode frames after the newest known frame, and publish them one by one to the back
// of the ahead queue, until the queue reaches its balanced size.
func (c *Cache) fillForward() {
	epoch := c.epoch
	newest := c.newestKnown()

	skipLimit := int64(c.cfg.ForwardSkipLimit) * c.frameDuration
	if !c.decoderValid || c.decodedPTS > newest || newest-c.decodedPTS > skipLimit {
		c.log.Debugf("Repositioning decoder from %v to %v", c.decodedPTS, newest)
		if err := c.seekDecoder(newest); err != nil {
			if !c.interrupted(epoch) {
				c.log.Warnf("Forward fill seek to %v failed: %v", newest, err)
				c.forwardExhausted = true
				c.cond.Broadcast()
			}
			return
		}
		if c.interrupted(epoch) {
			return
		}
	}

	discarded := int64(0)
	defer func() {
		if discarded != 0 {
			c.stats.framesDiscarded.AddSample(discarded)
		}
	}()

	for c.ahead.len() < c.cfg.BalancedAhead {
		h, ok := c.pool.acquireFree()
		if !ok {
			return
		}
		err := c.decodeInto(h)
		if c.interrupted(epoch) {
			c.pool.release(h)
			return
		}
		if err != nil {
			c.pool.release(h)
			if !errors.Is(err, io.EOF) {
				c.log.Errorf("Forward decode failed after %v: %v", newest, err)
			}
			c.forwardExhausted = true
			c.cond.Broadcast()
			return
		}
		pts := c.pool.frame(h).PTS
		if pts <= newest {
			discarded++
			c.pool.release(h)
			continue
		}
		c.ahead.pushBack(h)
		c.pool.setState(h, stateAhead)
		newest = pts
		c.cond.Broadcast()
	}
}

// Decode the frames just before the oldest known frame, and append them to the back of the
// behind queue. The decoder can only move forward, so we seek to an estimated point before
// the oldest frame and decode up to it, keeping the newest frames in c.scratch.
func (c *Cache) fillBackward() {
	epoch := c.epoch
	oldest := c.oldestKnown()
	if oldest <= c.firstPTS {
		c.backwardExhausted = true
		c.cond.Broadcast()
		return
	}

	want := c.cfg.BalancedBehind - c.behind.len()
	delta := int64(want) * c.frameDuration
	for attempt := 0; ; attempt++ {
		target := oldest - delta
		clamped := false
		if attempt >= c.cfg.MaxBackwardRetries || target <= c.firstPTS {
			target = c.firstPTS
			clamped = true
		}

		found, err := c.decodeBefore(target, oldest, want, epoch)
		if errors.Is(err, errInterrupted) {
			return
		}
		if err != nil {
			c.backwardErr = fmt.Errorf("%w: %w", ErrBackwardFill, err)
			c.log.Warnf("Backward fill before %v failed: %v", oldest, err)
			c.cond.Broadcast()
			return
		}
		if found {
			c.stats.backwardAttempts.AddSample(int64(attempt + 1))
			c.publishBehind()
			return
		}
		if clamped {
			// Even the start of the stream lands at or after oldest, so there is nothing before it
			c.backwardExhausted = true
			c.cond.Broadcast()
			return
		}
		c.log.Debugf("Backward fill seek to %v landed at or after %v, retrying", target, oldest)
		delta *= 2
	}
}

// Seek near target and decode up to oldest, keeping the newest 'want' frames before oldest in c.scratch.
// Returns false if the first frame after the seek was not before oldest.
func (c *Cache) decodeBefore(target, oldest int64, want int, epoch uint64) (bool, error) {
	if err := c.seekDecoder(target); err != nil {
		if c.interrupted(epoch) {
			return false, errInterrupted
		}
		return false, err
	}
	if c.interrupted(epoch) {
		return false, errInterrupted
	}

	// Keep one extra frame, because the slot we decode into is lost if it turns out to be >= oldest
	ring := &c.scratch
	for {
		h, err := c.nextRingSlot(want+1, epoch)
		if err != nil {
			c.releaseScratch()
			return false, err
		}

		err = c.decodeInto(h)
		if c.interrupted(epoch) {
			c.pool.release(h)
			c.releaseScratch()
			return false, errInterrupted
		}
		if err != nil && !errors.Is(err, io.EOF) {
			c.pool.release(h)
			c.releaseScratch()
			return false, err
		}
		if err != nil || c.pool.frame(h).PTS >= oldest {
			c.pool.release(h)
			for ring.len() > want {
				c.pool.release(ring.popBack())
			}
			return ring.len() != 0, nil
		}
		ring.pushFront(h)
	}
}

// Move the frames in c.scratch (newest first) to the back of the behind queue
func (c *Cache) publishBehind() {
	for c.scratch.len() != 0 {
		h := c.scratch.popFront()
		pts := c.pool.frame(h).PTS
		if c.behind.len() != 0 && c.pool.frame(c.behind.back()).PTS <= pts {
			// Out of order, which means the consumer moved while we were decoding
			c.pool.release(h)
			continue
		}
		if c.behind.len() == 0 && pts >= c.oldestKnown() {
			c.pool.release(h)
			continue
		}
		c.behind.pushBack(h)
		c.pool.setState(h, stateBehind)
	}
	c.cond.Broadcast()
}
