package audio

import "errors"

var ErrReleased = errors.New("utterance buffer released")

// UtteranceBuffer holds the PCM of exactly one open utterance. It grows up to
// a fixed capacity and is zeroed on Release. It has no path to disk.
type UtteranceBuffer struct {
	buf      []byte
	capacity int
	released bool
}

func NewUtteranceBuffer(capacity int) *UtteranceBuffer {
	if capacity <= 0 {
		capacity = BytesFor(30e9, DefaultSampleRate)
	}
	initial := capacity
	if initial > 64<<10 {
		initial = 64 << 10
	}
	return &UtteranceBuffer{
		buf:      make([]byte, 0, initial),
		capacity: capacity,
	}
}

// Append copies as much of p as fits and reports whether the buffer is now full.
func (b *UtteranceBuffer) Append(p []byte) (int, bool, error) {
	if b.released {
		return 0, false, ErrReleased
	}
	room := b.capacity - len(b.buf)
	if room <= 0 {
		return 0, true, nil
	}
	if len(p) > room {
		p = p[:room]
	}
	b.buf = append(b.buf, p...)
	return len(p), len(b.buf) >= b.capacity, nil
}

func (b *UtteranceBuffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.buf)
}

func (b *UtteranceBuffer) Cap() int { return b.capacity }

// Bytes returns a view that is only valid until Release.
func (b *UtteranceBuffer) Bytes() []byte {
	if b == nil || b.released {
		return nil
	}
	return b.buf
}

// Release zeroes the samples and drops the backing array. Safe to call twice.
func (b *UtteranceBuffer) Release() {
	if b == nil || b.released {
		return
	}
	clear(b.buf[:cap(b.buf)])
	b.buf = nil
	b.released = true
}

func (b *UtteranceBuffer) Released() bool {
	return b == nil || b.released
}

// FrameQueue is a bounded FIFO of frames that drops the oldest entries once
// the byte budget is exceeded.
type FrameQueue struct {
	frames   [][]byte
	size     int
	maxBytes int
}

func NewFrameQueue(maxBytes int) *FrameQueue {
	if maxBytes <= 0 {
		maxBytes = BytesFor(3e9, DefaultSampleRate)
	}
	return &FrameQueue{maxBytes: maxBytes}
}

// Push enqueues frame and returns how many old frames were evicted to stay
// within budget. Each evicted frame is passed to inspect, then zeroed.
func (q *FrameQueue) Push(frame []byte, inspect func(dropped []byte)) int {
	q.frames = append(q.frames, frame)
	q.size += len(frame)
	dropped := 0
	for q.size > q.maxBytes && len(q.frames) > 1 {
		old := q.frames[0]
		q.frames[0] = nil
		q.frames = q.frames[1:]
		q.size -= len(old)
		if inspect != nil {
			inspect(old)
		}
		clear(old)
		dropped++
	}
	return dropped
}

// Drain hands the queued frames to the caller in arrival order and empties the queue.
func (q *FrameQueue) Drain() [][]byte {
	out := q.frames
	q.frames = nil
	q.size = 0
	return out
}

// Reset discards and zeroes all queued frames.
func (q *FrameQueue) Reset() {
	for _, f := range q.frames {
		clear(f)
	}
	q.frames = nil
	q.size = 0
}

func (q *FrameQueue) Len() int   { return len(q.frames) }
func (q *FrameQueue) Bytes() int { return q.size }
