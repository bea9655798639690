package framecache

import (
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/vodscrub/pkg/perfstats"
)

const recentSeekHistory = 16

type cacheStats struct {
	framesDecoded    int64
	decoderSeeks     int64
	seeks            int64
	seekFailures     int64
	decodeTime       perfstats.TimeAccumulator
	seekTime         perfstats.TimeAccumulator
	framesDiscarded  perfstats.Int64Accumulator // Frames decoded and thrown away to reposition the decoder
	backwardAttempts perfstats.Int64Accumulator // Seek attempts per successful backward fill
	recentSeekTimes  ringbuffer.RingP[time.Duration]
	poolStalls       int64 // Times the worker waited for the consumer to give back a frame
	reclaimed        int64 // Queued frames released to unblock a waiting consumer
}

func newCacheStats() cacheStats {
	return cacheStats{
		recentSeekTimes: ringbuffer.NewRingP[time.Duration](recentSeekHistory),
	}
}

// Stats is a snapshot of the cache state and its performance counters
type Stats struct {
	Open              bool
	Idle              bool // Worker is waiting for something to do
	Free              int
	Ahead             int
	Behind            int
	Loaned            int
	Inflight          int
	NowPTS            int64
	ForwardExhausted  bool
	BackwardExhausted bool
	SeekFailed        bool

	FramesDecoded        int64
	DecoderSeeks         int64 // Includes repositioning during forward and backward fill
	Seeks                int64 // Seek requests served
	SeekFailures         int64
	AverageDecodeTime    time.Duration
	AverageSeekTime      time.Duration
	MaxSeekTime          time.Duration
	RecentSeekTimes      []time.Duration // Oldest first
	AverageDiscarded     float64
	AverageBackwardSeeks float64
	PoolStalls           int64
	Reclaimed            int64
}

// Total number of frames in the pool
func (s Stats) Total() int {
	return s.Free + s.Ahead + s.Behind + s.Loaned + s.Inflight
}

func (c *Cache) Stats() Stats {
	c.lock.Lock()
	defer c.lock.Unlock()
	s := Stats{
		Open:                 c.isOpen && !c.shutdown,
		Idle:                 c.workerIdle,
		NowPTS:               c.nowPTS,
		ForwardExhausted:     c.forwardExhausted,
		BackwardExhausted:    c.backwardExhausted,
		SeekFailed:           c.seekFailed,
		FramesDecoded:        c.stats.framesDecoded,
		DecoderSeeks:         c.stats.decoderSeeks,
		Seeks:                c.stats.seeks,
		SeekFailures:         c.stats.seekFailures,
		AverageDecodeTime:    c.stats.decodeTime.Average(),
		AverageSeekTime:      c.stats.seekTime.Average(),
		MaxSeekTime:          c.stats.seekTime.Max,
		AverageDiscarded:     c.stats.framesDiscarded.Average(),
		AverageBackwardSeeks: c.stats.backwardAttempts.Average(),
		PoolStalls:           c.stats.poolStalls,
		Reclaimed:            c.stats.reclaimed,
	}
	if c.pool != nil {
		s.Free = c.pool.count(stateFree)
		s.Ahead = c.pool.count(stateAhead)
		s.Behind = c.pool.count(stateBehind)
		s.Loaned = c.pool.count(stateLoaned)
		s.Inflight = c.pool.count(stateInflight)
	}
	for i := 0; i < c.stats.recentSeekTimes.Len(); i++ {
		s.RecentSeekTimes = append(s.RecentSeekTimes, c.stats.recentSeekTimes.Peek(i))
	}
	return s
}

// Return the PTS of every frame in the ahead queue (nearest first) and the behind queue (nearest first)
func (c *Cache) QueuedPTS() (ahead, behind []int64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.pool == nil {
		return nil, nil
	}
	for i := 0; i < c.ahead.len(); i++ {
		ahead = append(ahead, c.pool.frame(c.ahead.at(i)).PTS)
	}
	for i := 0; i < c.behind.len(); i++ {
		behind = append(behind, c.pool.frame(c.behind.at(i)).PTS)
	}
	return
}
