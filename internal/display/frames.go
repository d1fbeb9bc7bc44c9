package display

import (
	"bufio"
	"bytes"
	"fmt"
	"sync"
)

// Format selects how capture output is cut into frames
type Format string

const (
	// FormatMJPEG expects concatenated JPEG images, one per frame
	FormatMJPEG Format = "mjpeg"
	// FormatRaw expects fixed-size rgb24 frames
	FormatRaw Format = "raw"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxFrameSize bounds one frame in the scanner buffer
const maxFrameSize = 16 * 1024 * 1024

// splitMJPEG is a bufio.SplitFunc that yields whole JPEG images.
// Bytes before a start-of-image marker are discarded.
func splitMJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		// keep a trailing 0xFF, it may be the first half of a marker
		if len(data) > 0 && data[len(data)-1] == 0xFF {
			return len(data) - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			// truncated trailing frame
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}

// splitFixed returns a SplitFunc yielding records of exactly size bytes
func splitFixed(size int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if len(data) >= size {
			return size, data[:size], nil
		}
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
}

func splitterFor(format Format, width, height int) (bufio.SplitFunc, int, error) {
	switch format {
	case FormatMJPEG, "":
		return splitMJPEG, maxFrameSize, nil
	case FormatRaw:
		size := width * height * 3
		if size <= 0 {
			return nil, 0, fmt.Errorf("invalid raw frame size %dx%d", width, height)
		}
		return splitFixed(size), size + 1, nil
	default:
		return nil, 0, fmt.Errorf("unknown capture format %q", format)
	}
}

// feed fans frames from the single producer out to subscribers.
// Delivery never blocks the producer; a full subscriber misses the frame.
type feed struct {
	mu     sync.Mutex
	subs   map[uint64]chan []byte
	next   uint64
	closed bool
	buffer int

	produced uint64
	dropped  uint64
	onDrop   func()
}

func newFeed(buffer int, onDrop func()) *feed {
	if buffer <= 0 {
		buffer = 1
	}
	return &feed{
		subs:   make(map[uint64]chan []byte),
		buffer: buffer,
		onDrop: onDrop,
	}
}

func (f *feed) subscribe() (<-chan []byte, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan []byte, f.buffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (f *feed) publish(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.produced++
	for _, ch := range f.subs {
		select {
		case ch <- frame:
		default:
			f.dropped++
			if f.onDrop != nil {
				f.onDrop()
			}
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

func (f *feed) stats() (produced, dropped uint64, subscribers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.produced, f.dropped, len(f.subs)
}
