// bounded block queue for the async log mode
package logx

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap/zapcore"
)

// asyncWriter hands lines to a single flusher goroutine over a bounded
// queue; a full queue drops the line so the producer never blocks
type asyncWriter struct {
	dst zapcore.WriteSyncer

	ch      chan []byte
	done    chan struct{}
	dropped atomic.Uint64
	once    sync.Once
}

func newAsyncWriter(dst zapcore.WriteSyncer, size int) *asyncWriter {
	w := &asyncWriter{
		dst:  dst,
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
	go w.flush()
	return w
}

func (w *asyncWriter) flush() {
	for p := range w.ch {
		w.dst.Write(p)
	}
	close(w.done)
}

func (w *asyncWriter) Write(p []byte) (int, error) {
	// zap reuses the buffer after Write returns
	cp := make([]byte, len(p))
	copy(cp, p)

	select {
	case w.ch <- cp:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

func (w *asyncWriter) Sync() error {
	return w.dst.Sync()
}

// Close drains the queue and stops the flusher
func (w *asyncWriter) Close() {
	w.once.Do(func() {
		close(w.ch)
		<-w.done
	})
}

func (w *asyncWriter) Dropped() uint64 {
	return w.dropped.Load()
}
