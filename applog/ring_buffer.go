package applog

import "sync"

// RingBuffer keeps the latest `size` strings pushed into it, overwriting the oldest entry once full.
type RingBuffer struct {
	size    int
	counter int
	buf     []string
	mutex   sync.Mutex
}

// NewRingBuffer constructs a ring buffer that retains at most size entries.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{size: size, buf: make([]string, size)}
}

// Push appends a new entry, discarding the oldest one if the buffer is already full.
func (rb *RingBuffer) Push(entry string) {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()
	rb.buf[rb.counter%rb.size] = entry
	rb.counter++
}

// Iterate calls fun with each retained entry, oldest first, stopping early if fun returns false.
func (rb *RingBuffer) Iterate(fun func(entry string) bool) {
	rb.mutex.Lock()
	entries := make([]string, 0, rb.size)
	start := 0
	if rb.counter > rb.size {
		start = rb.counter % rb.size
	}
	total := rb.size
	if rb.counter < rb.size {
		total = rb.counter
		start = 0
	}
	for i := 0; i < total; i++ {
		entries = append(entries, rb.buf[(start+i)%rb.size])
	}
	rb.mutex.Unlock()
	for _, entry := range entries {
		if !fun(entry) {
			return
		}
	}
}
