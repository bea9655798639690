package framecache

import "github.com/cyclopcam/vodscrub/pkg/videox"

type slotState uint8

const (
	stateFree slotState = iota
	stateAhead
	stateBehind
	stateLoaned   // Held by the consumer
	stateInflight // Held by the worker while it decodes into it, with the lock released
	numSlotStates
)

func (s slotState) String() string {
	switch s {
	case stateFree:
		return "free"
	case stateAhead:
		return "ahead"
	case stateBehind:
		return "behind"
	case stateLoaned:
		return "loaned"
	case stateInflight:
		return "inflight"
	}
	return "invalid"
}

// Frame is a slot in the cache's frame pool.
// The consumer receives a *Frame from Take*, and must hand it back with Give*.
type Frame struct {
	videox.Frame
	handle int
	epoch  uint64 // Seek epoch in which the frame was loaned
}

// pool is an arena of frames, addressed by handle.
// Every slot is in exactly one state. The pixel memory of a slot is allocated
// on its first decode and reused after that.
type pool struct {
	slots  []Frame
	states []slotState
	free   []int // Stack of free handles
	counts [numSlotStates]int
}

func newPool(n int) *pool {
	p := &pool{
		slots:  make([]Frame, n),
		states: make([]slotState, n),
		free:   make([]int, 0, n),
	}
	for i := n - 1; i >= 0; i-- {
		p.slots[i].handle = i
		p.free = append(p.free, i)
	}
	p.counts[stateFree] = n
	return p
}

func (p *pool) size() int {
	return len(p.slots)
}

// Take a free slot and mark it inflight. Returns false if there are no free slots.
func (p *pool) acquireFree() (int, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	h := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.move(h, stateInflight)
	return h, true
}

// Return a slot to the free list, from any state
func (p *pool) release(h int) {
	if p.states[h] == stateFree {
		return
	}
	p.move(h, stateFree)
	p.free = append(p.free, h)
}

// Change the state of a slot that is not free, to another state that is not free
func (p *pool) setState(h int, s slotState) {
	if s == stateFree || p.states[h] == stateFree {
		panic("use acquireFree and release to move slots into or out of the free list")
	}
	p.move(h, s)
}

func (p *pool) move(h int, s slotState) {
	p.counts[p.states[h]]--
	p.states[h] = s
	p.counts[s]++
}

func (p *pool) state(h int) slotState {
	return p.states[h]
}

func (p *pool) frame(h int) *Frame {
	return &p.slots[h]
}

func (p *pool) numFree() int {
	return p.counts[stateFree]
}

func (p *pool) count(s slotState) int {
	return p.counts[s]
}

// Returns true if f is one of our slots
func (p *pool) owns(f *Frame) bool {
	return f.handle >= 0 && f.handle < len(p.slots) && &p.slots[f.handle] == f
}
