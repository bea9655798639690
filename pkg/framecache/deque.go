package framecache

// handleDeque is a fixed capacity ring of slot handles.
// Pushing onto a full deque panics. The pool is never larger than the capacity,
// so a full deque is a bookkeeping bug.
type handleDeque struct {
	buf   []int
	head  int // index of the front element
	count int
}

func newHandleDeque(capacity int) handleDeque {
	return handleDeque{buf: make([]int, capacity)}
}

func (d *handleDeque) len() int {
	return d.count
}

// Return the i-th element from the front
func (d *handleDeque) at(i int) int {
	if i < 0 || i >= d.count {
		panic("handleDeque index out of range")
	}
	return d.buf[(d.head+i)%len(d.buf)]
}

func (d *handleDeque) front() int {
	return d.at(0)
}

func (d *handleDeque) back() int {
	return d.at(d.count - 1)
}

func (d *handleDeque) pushFront(h int) {
	if d.count == len(d.buf) {
		panic("handleDeque is full")
	}
	d.head = (d.head - 1 + len(d.buf)) % len(d.buf)
	d.buf[d.head] = h
	d.count++
}

func (d *handleDeque) pushBack(h int) {
	if d.count == len(d.buf) {
		panic("handleDeque is full")
	}
	d.buf[(d.head+d.count)%len(d.buf)] = h
	d.count++
}

func (d *handleDeque) popFront() int {
	h := d.front()
	d.head = (d.head + 1) % len(d.buf)
	d.count--
	return h
}

func (d *handleDeque) popBack() int {
	h := d.back()
	d.count--
	return h
}
