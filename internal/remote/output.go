package remote

import (
	"bytes"
	"strings"
	"sync"
)

const maxCapturedOutput = 64 * 1024

// tailBuffer keeps the last limit bytes written to it. stdout and stderr are
// copied by separate goroutines, hence the lock.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// lineWriter splits stdout into lines for a LineFunc while also feeding the
// captured output tail.
type lineWriter struct {
	onLine  LineFunc
	tail    *tailBuffer
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.tail != nil {
		_, _ = w.tail.Write(p)
	}
	if w.onLine == nil {
		return len(p), nil
	}

	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		w.onLine(strings.TrimRight(string(w.pending[:idx]), "\r"))
		w.pending = w.pending[idx+1:]
	}
	return len(p), nil
}

// flush delivers a final unterminated line. It must only be called once the
// writer receives no more data.
func (w *lineWriter) flush() {
	if w.onLine != nil && len(w.pending) > 0 {
		w.onLine(strings.TrimRight(string(w.pending), "\r"))
	}
	w.pending = nil
}
