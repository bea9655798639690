// Package playback drives a framecache.Cache like a video player: timed playback,
// single frame stepping, and seeking to a game frame.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vodscrub/pkg/framecache"
	"github.com/cyclopcam/vodscrub/pkg/prefixlog"
)

// Game frames are counted at a fixed 60 FPS, regardless of the video frame rate
const GameFPS = 60

// Seeking to a game frame closer than this to the current frame is done by stepping
const StepShortcut = 32

var ErrNotOpen = errors.New("No video is open")

// Listener receives player events.
// The callbacks are made while the player's lock is held, so they must not call back into the Player.
type Listener interface {
	OnFileOpened()
	OnFileClosed()
	OnPlayerPaused()
	OnPlayerResumed()
	// frame is nil when there is nothing to show. The frame remains valid until the next OnPresentFrame.
	OnPresentFrame(frame *framecache.Frame)
}

type Player struct {
	log      logs.Log
	cache    *framecache.Cache
	listener Listener

	lock     sync.Mutex
	isOpen   bool
	current  *framecache.Frame // On loan from the cache
	interval time.Duration     // Duration of one video frame
	playStop chan struct{}     // Non-nil while playing
	volume   int
}

func New(log logs.Log, cache *framecache.Cache, listener Listener) *Player {
	return &Player{
		log:      prefixlog.New(log, "Player"),
		cache:    cache,
		listener: listener,
		volume:   100,
	}
}

// Open a video and present its first frame
func (p *Player) Open(data []byte) error {
	p.Close()

	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.cache.Open(data); err != nil {
		return err
	}
	fr := p.cache.FrameRate()
	p.interval = time.Duration(int64(time.Second) * int64(fr.Den) / int64(fr.Num))
	p.isOpen = true
	p.listener.OnFileOpened()

	first, err := p.cache.TakeAheadFrame()
	if err != nil {
		p.log.Warnf("No first frame: %v", err)
	}
	p.current = first
	p.present()
	return nil
}

func (p *Player) Close() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.isOpen {
		return
	}
	p.pauseLocked()
	p.listener.OnPresentFrame(nil)
	p.giveAhead(p.current)
	p.current = nil
	p.cache.Close()
	p.isOpen = false
	p.listener.OnFileClosed()
}

func (p *Player) IsOpen() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.isOpen
}

// Play steps forward one frame per frame interval, until Pause or the end of the video
func (p *Player) Play() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.isOpen || p.playStop != nil {
		return
	}
	stop := make(chan struct{})
	p.playStop = stop
	go p.playLoop(stop, p.interval)
	p.listener.OnPlayerResumed()
}

func (p *Player) Pause() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.pauseLocked()
}

func (p *Player) pauseLocked() {
	if p.playStop == nil {
		return
	}
	close(p.playStop)
	p.playStop = nil
	p.listener.OnPlayerPaused()
}

func (p *Player) IsPlaying() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.playStop != nil
}

func (p *Player) playLoop(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.lock.Lock()
			if p.playStop != stop {
				// Paused while we were waiting for the lock
				p.lock.Unlock()
				return
			}
			err := p.stepLocked(1)
			if err != nil {
				p.log.Infof("Stopping playback: %v", err)
				p.pauseLocked()
			}
			p.lock.Unlock()
		}
	}
}

// Audio is not decoded, so the volume is only remembered
func (p *Player) SetVolume(percent int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.volume = max(0, min(100, percent))
}

func (p *Player) Volume() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.volume
}

// Step moves n video frames forward (n > 0) or backward (n < 0), and presents the result
func (p *Player) Step(n int) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.isOpen {
		return ErrNotOpen
	}
	return p.stepLocked(n)
}

func (p *Player) stepLocked(n int) error {
	var err error
	for ; n > 0 && err == nil; n-- {
		err = p.stepForward()
	}
	for ; n < 0 && err == nil; n++ {
		var sought bool
		sought, err = p.stepBackward(-n)
		if sought {
			break
		}
	}
	p.present()
	return err
}

func (p *Player) stepForward() error {
	prev := p.current
	p.giveBehind(prev)
	next, err := p.cache.TakeAheadFrame()
	if err == nil {
		p.current = next
		return nil
	}
	// Keep showing the previous frame
	p.current = nil
	if prev != nil {
		if back, berr := p.cache.TakeBehindFrame(); berr == nil {
			p.current = back
		}
	}
	return err
}

// Step one frame back. If the previous frame is not available, seek to where
// 'remaining' frames back would land, and return true.
func (p *Player) stepBackward(remaining int) (bool, error) {
	target := int64(0)
	if p.current != nil {
		fr := p.cache.FrameRate()
		// One video frame is Den/Num seconds
		target = max(0, p.current.PTS-p.cache.ToCodecTimestamp(int64(remaining), fr.Den, fr.Num))
		p.giveAhead(p.current)
		p.current = nil
	}
	prev, err := p.cache.TakeBehindFrame()
	if err == nil {
		p.current = prev
		return false, nil
	}
	if errors.Is(err, framecache.ErrBeginningOfStream) {
		// Already at the first frame, so take back the frame we just gave
		if first, ferr := p.cache.TakeAheadFrame(); ferr == nil {
			p.current = first
			return true, nil
		}
	}
	p.log.Debugf("Previous frame not available (%v), seeking to %v", err, target)
	return true, p.seekAndTake(target)
}

// A failed give means the frame did not come from the cache's current pool (for example if
// the cache was reopened behind our back). The frame is dropped either way.
func (p *Player) giveAhead(f *framecache.Frame) {
	if err := p.cache.GiveAheadFrame(f); err != nil {
		p.log.Warnf("Failed to return frame %v to the cache: %v", f.PTS, err)
	}
}

func (p *Player) giveBehind(f *framecache.Frame) {
	if err := p.cache.GiveBehindFrame(f); err != nil {
		p.log.Warnf("Failed to return frame %v to the cache: %v", f.PTS, err)
	}
}

func (p *Player) seekAndTake(target int64) error {
	if err := p.cache.SeekNear(target); err != nil {
		return fmt.Errorf("Seek to %v failed: %w", target, err)
	}
	f, err := p.cache.TakeAheadFrame()
	if err != nil {
		return err
	}
	p.current = f
	return nil
}

// SeekToGameFrame shows the video frame at the given 60 FPS game frame.
// Nearby frames are reached by stepping, which is much cheaper than seeking.
func (p *Player) SeekToGameFrame(frame int64) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.isOpen {
		return ErrNotOpen
	}
	if p.current != nil {
		diff := frame - p.cache.FromCodecTimestamp(p.current.PTS, 1, GameFPS)
		if diff > -StepShortcut && diff < StepShortcut {
			return p.stepLocked(int(diff))
		}
	}
	p.giveAhead(p.current)
	p.current = nil
	err := p.seekAndTake(p.cache.ToCodecTimestamp(frame, 1, GameFPS))
	p.present()
	return err
}

// The 60 FPS game frame of the frame being shown
func (p *Player) CurrentGameFrame() int64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.isOpen || p.current == nil {
		return 0
	}
	return p.cache.FromCodecTimestamp(p.current.PTS, 1, GameFPS)
}

// Length of the video, in 60 FPS game frames
func (p *Player) GameFrameCount() int64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.isOpen {
		return 0
	}
	return p.cache.FromCodecTimestamp(p.cache.Duration(), 1, GameFPS)
}

// Return the frame being shown, which remains valid until the next step or seek.
// Must not be called from inside a Listener callback.
func (p *Player) CurrentFrame() *framecache.Frame {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.current
}

func (p *Player) present() {
	p.listener.OnPresentFrame(p.current)
}
