// fixed worker pool draining the job channel
package engine

import (
	"sync"

	"github.com/kfcemployee/webserv/server/protocol"
)

type jobKind int

const (
	// proactor: the reactor already read the bytes, the worker only parses
	jobProcess jobKind = iota
	// reactor: the worker does the socket IO itself
	jobRead
	jobWrite
)

type job struct {
	c    *protocol.Conn
	kind jobKind
}

// workerPool runs a fixed number of goroutines over a bounded queue.
// A full queue rejects the job and the caller closes the connection,
// backpressure instead of unbounded memory.
type workerPool struct {
	jobs chan job
	wg   sync.WaitGroup
}

func newWorkerPool(workers, queue int) *workerPool {
	p := &workerPool{jobs: make(chan job, queue)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// tryEnqueue never blocks the reactor; false means the queue is full
func (p *workerPool) tryEnqueue(j job) bool {
	select {
	case p.jobs <- j:
		return true
	default:
		return false
	}
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		run(j)
	}
}

// run executes one job under the eviction handshake: Improv marks the
// connection busy so the timeout sweep defers to us, TimerFlag set by
// the sweep means we do the close on the way out
func run(j job) {
	c := j.c
	if c.IsClosed() {
		return
	}
	c.Improv.Store(true)

	switch j.kind {
	case jobProcess:
		c.Process()
	case jobRead:
		if c.ReadOnce() {
			c.Process()
		} else {
			c.CloseNow()
		}
	case jobWrite:
		if !c.WriteResponse() {
			c.CloseNow()
		}
	}

	if c.TimerFlag.Load() {
		c.TimerFlag.Store(false)
		c.CloseNow()
	}
	c.Improv.Store(false)
}

// stop closes the queue and waits for in-flight jobs to finish
func (p *workerPool) stop() {
	close(p.jobs)
	p.wg.Wait()
}
