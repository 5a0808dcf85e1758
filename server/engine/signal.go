// self-pipe signal bridge: merges signals and the periodic alarm
// into the readiness loop as single readable bytes
package engine

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// signalBridge owns a nonblocking pipe whose read end sits in epoll.
// Each byte on the pipe is a signal number; SIGALRM bytes come from a
// ticker standing in for alarm(2).
type signalBridge struct {
	r, w int

	sigCh  chan os.Signal
	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

func newSignalBridge(timeslot time.Duration) (*signalBridge, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, err
	}

	b := &signalBridge{
		r:      fds[0],
		w:      fds[1],
		sigCh:  make(chan os.Signal, 8),
		ticker: time.NewTicker(timeslot),
		stop:   make(chan struct{}),
	}

	// broken-pipe writes must surface as EPIPE, not kill the process
	signal.Ignore(syscall.SIGPIPE)
	signal.Notify(b.sigCh, syscall.SIGTERM, syscall.SIGINT)

	go b.forward()
	return b, nil
}

func (b *signalBridge) forward() {
	for {
		select {
		case sig := <-b.sigCh:
			s, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			b.post(byte(s))
		case <-b.ticker.C:
			b.post(byte(syscall.SIGALRM))
		case <-b.stop:
			return
		}
	}
}

// post is a single nonblocking write; a full pipe drops the byte,
// the next tick delivers anyway
func (b *signalBridge) post(sig byte) {
	unix.Write(b.w, []byte{sig})
}

// interrupt injects a SIGTERM byte, used for context cancellation
func (b *signalBridge) interrupt() {
	b.post(byte(syscall.SIGTERM))
}

func (b *signalBridge) readFd() int { return b.r }

// drain reads up to 1024 pending bytes and returns them as signal
// numbers; anything left re-fires the level-triggered registration
func (b *signalBridge) drain() []byte {
	var buf [1024]byte
	n, err := unix.Read(b.r, buf[:])
	if err != nil || n <= 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out
}

func (b *signalBridge) close() {
	b.once.Do(func() {
		signal.Stop(b.sigCh)
		b.ticker.Stop()
		close(b.stop)
		unix.Close(b.r)
		unix.Close(b.w)
	})
}
