// the readiness loop: accept, dispatch, timeout sweep, shutdown
package engine

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/kfcemployee/webserv/server/protocol"
)

const defaultTimeslot = 5 * time.Second

// idle connections are evicted after three quiet timeslots
const timeslotsToLive = 3

const busyReply = "HTTP/1.1 503 Service Unavailable\r\nContent-Length:0\r\nConnection:close\r\n\r\n"

// maxFd caps the dense connection table; NOFILE limits can be huge
const maxFd = 65536

// Config carries everything the event loop needs; the caller owns the
// credential store and the logger
type Config struct {
	Port     int
	Linger   bool
	ListenET bool
	ConnET   bool
	Proactor bool
	Workers  int
	Queue    int
	DocRoot  string
	Timeslot time.Duration

	Users protocol.UserStore
	Log   *zap.SugaredLogger

	// OnConns observes connection count deltas, OnStatus each response
	// status, OnTimeout each eviction, OnJobDrop each rejected job.
	// All optional.
	OnConns   func(delta int)
	OnStatus  func(status int)
	OnTimeout func()
	OnJobDrop func()
}

// actor decides who performs the socket IO for a ready connection
type actor interface {
	readable(c *protocol.Conn)
	writable(c *protocol.Conn)
}

// Server is the single event loop plus its worker pool. One goroutine
// runs the loop; workers touch connections only through one-shot
// handoff, so no connection is ever active on two goroutines.
type Server struct {
	cfg Config
	log *zap.SugaredLogger

	poller   *poller
	listenFd int
	bridge   *signalBridge

	pool *workerPool
	act  actor

	conns  []*protocol.Conn
	timers timerList

	// refMu guards timerRefs: workers reach it through closeConn while
	// the loop goroutine accepts, refreshes and sweeps
	refMu     sync.Mutex
	timerRefs []*timerNode

	connOpts *protocol.Options
}

func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Timeslot == 0 {
		cfg.Timeslot = defaultTimeslot
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 1024
	}

	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return nil, fmt.Errorf("getrlimit: %w", err)
	}
	tableSize := int(rlim.Cur)
	if tableSize > maxFd {
		tableSize = maxFd
	}

	p, err := newPoller(cfg.ConnET)
	if err != nil {
		return nil, err
	}

	lfd, err := listenSocket(cfg.Port, cfg.Linger)
	if err != nil {
		p.close()
		return nil, err
	}
	if err := unix.SetNonblock(lfd, true); err != nil {
		unix.Close(lfd)
		p.close()
		return nil, err
	}
	if err := p.addListen(lfd, cfg.ListenET); err != nil {
		unix.Close(lfd)
		p.close()
		return nil, err
	}

	bridge, err := newSignalBridge(cfg.Timeslot)
	if err != nil {
		unix.Close(lfd)
		p.close()
		return nil, err
	}
	if err := p.addPipe(bridge.readFd()); err != nil {
		bridge.close()
		unix.Close(lfd)
		p.close()
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		log:       cfg.Log,
		poller:    p,
		listenFd:  lfd,
		bridge:    bridge,
		pool:      newWorkerPool(cfg.Workers, cfg.Queue),
		conns:     make([]*protocol.Conn, tableSize),
		timerRefs: make([]*timerNode, tableSize),
	}

	s.connOpts = &protocol.Options{
		DocRoot:    cfg.DocRoot,
		ET:         cfg.ConnET,
		Poller:     p,
		Users:      cfg.Users,
		Log:        cfg.Log,
		BaseCtx:    ctx,
		OnClose:    func(c *protocol.Conn) { s.closeConn(c, true) },
		OnResponse: cfg.OnStatus,
	}

	if cfg.Proactor {
		s.act = proactorActor{s}
	} else {
		s.act = reactorActor{s}
	}
	return s, nil
}

// Run blocks until a termination signal or context cancellation
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.bridge.interrupt()
	}()

	s.log.Infof("listening on :%d", s.cfg.Port)

	events := make([]unix.EpollEvent, maxEvents)
	stop := false
	for !stop {
		n, err := s.poller.wait(events)
		if err != nil {
			s.log.Errorf("epoll_wait: %v", err)
			break
		}

		timeout := false
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			ev := events[i].Events

			switch fd {
			case s.listenFd:
				s.acceptConns()
			case s.bridge.readFd():
				for _, sig := range s.bridge.drain() {
					switch syscall.Signal(sig) {
					case syscall.SIGALRM:
						timeout = true
					case syscall.SIGTERM, syscall.SIGINT:
						stop = true
					}
				}
			default:
				c := s.conns[fd]
				if c == nil || c.IsClosed() {
					continue
				}
				switch {
				case ev&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0:
					s.closeConn(c, true)
				case ev&unix.EPOLLIN != 0:
					s.refreshTimer(fd)
					s.act.readable(c)
				case ev&unix.EPOLLOUT != 0:
					s.refreshTimer(fd)
					s.act.writable(c)
				}
			}
		}

		// eviction runs after the batch so a just-active connection
		// has already had its timer pushed forward
		if timeout {
			s.sweep()
		}
	}

	s.shutdown()
	return nil
}

// acceptConns drains the listen socket; LT takes one accept per event,
// ET loops until EAGAIN
func (s *Server) acceptConns() {
	for {
		fd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				s.log.Errorf("accept: %v", err)
			}
			return
		}

		if fd >= len(s.conns) {
			unix.Write(fd, []byte(busyReply))
			unix.Close(fd)
			s.log.Warnf("connection table full, rejecting fd %d", fd)
			if !s.cfg.ListenET {
				return
			}
			continue
		}

		peer := peerString(sa)
		c := s.conns[fd]
		if c == nil {
			c = protocol.NewConn(s.connOpts)
			s.conns[fd] = c
		}
		c.Init(fd, peer)

		if err := s.poller.addConn(fd); err != nil {
			s.log.Errorf("register fd %d: %v", fd, err)
			unix.Close(fd)
			if !s.cfg.ListenET {
				return
			}
			continue
		}

		n := &timerNode{fd: fd, expire: s.deadline()}
		s.timers.add(n)
		s.refMu.Lock()
		s.timerRefs[fd] = n
		s.refMu.Unlock()

		if s.cfg.OnConns != nil {
			s.cfg.OnConns(1)
		}
		s.log.Infof("client connected: %s (fd %d)", peer, fd)

		if !s.cfg.ListenET {
			return
		}
	}
}

// refreshTimer pushes the connection's expiry forward after activity
func (s *Server) refreshTimer(fd int) {
	s.refMu.Lock()
	n := s.timerRefs[fd]
	s.refMu.Unlock()
	if n == nil {
		return
	}
	s.timers.adjust(n, s.deadline())
}

// deadline is three timeslots from now, in unix seconds
func (s *Server) deadline() int64 {
	return time.Now().Add(timeslotsToLive * s.cfg.Timeslot).Unix()
}

// sweep evicts idle connections. A connection with a worker in flight
// gets TimerFlag instead and the worker closes it on the way out.
func (s *Server) sweep() {
	s.timers.tick(time.Now().Unix(), func(fd int) {
		c := s.conns[fd]
		if c == nil || c.IsClosed() {
			return
		}
		s.refMu.Lock()
		s.timerRefs[fd] = nil
		s.refMu.Unlock()
		if c.Improv.Load() {
			c.TimerFlag.Store(true)
			return
		}
		if s.cfg.OnTimeout != nil {
			s.cfg.OnTimeout()
		}
		s.log.Infof("idle timeout: %s (fd %d)", c.Peer(), c.Fd())
		s.closeConn(c, false)
	})
}

// closeConn tears one connection down exactly once. removeTimer is
// false on the sweep path where the node is already unlinked.
func (s *Server) closeConn(c *protocol.Conn, removeTimer bool) {
	if !c.MarkClosed() {
		return
	}
	fd := c.Fd()

	s.poller.remove(fd)
	unix.Close(fd)

	if removeTimer {
		s.refMu.Lock()
		n := s.timerRefs[fd]
		s.timerRefs[fd] = nil
		s.refMu.Unlock()
		if n != nil {
			s.timers.remove(n)
		}
	}

	if s.cfg.OnConns != nil {
		s.cfg.OnConns(-1)
	}
	s.log.Infof("client closed: %s (fd %d)", c.Peer(), fd)
}

// shutdown stops accepting, waits a bounded time for the workers to
// drain and closes every socket
func (s *Server) shutdown() {
	const drainWait = 5 * time.Second

	s.log.Infof("shutting down")

	unix.Close(s.listenFd)
	drained := make(chan struct{})
	go func() {
		s.pool.stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainWait):
		s.log.Warnf("workers still busy after %v, closing connections", drainWait)
	}

	for _, c := range s.conns {
		if c != nil && !c.IsClosed() {
			s.closeConn(c, true)
		}
	}

	s.bridge.close()
	s.poller.close()
}

// reactorActor hands the socket IO itself to a worker
type reactorActor struct{ s *Server }

func (a reactorActor) readable(c *protocol.Conn) {
	if !a.s.pool.tryEnqueue(job{c, jobRead}) {
		a.s.dropJob(c)
	}
}

func (a reactorActor) writable(c *protocol.Conn) {
	if !a.s.pool.tryEnqueue(job{c, jobWrite}) {
		a.s.dropJob(c)
	}
}

// proactorActor does the IO on the loop goroutine and hands only the
// parsing to a worker; writes complete inline
type proactorActor struct{ s *Server }

func (a proactorActor) readable(c *protocol.Conn) {
	if !c.ReadOnce() {
		a.s.closeConn(c, true)
		return
	}
	if !a.s.pool.tryEnqueue(job{c, jobProcess}) {
		a.s.dropJob(c)
	}
}

// dropJob is the full-queue path: the connection is sacrificed so the
// reactor never blocks on its own workers
func (s *Server) dropJob(c *protocol.Conn) {
	s.log.Warnf("job queue full, dropping fd %d", c.Fd())
	if s.cfg.OnJobDrop != nil {
		s.cfg.OnJobDrop()
	}
	s.closeConn(c, true)
}

func (a proactorActor) writable(c *protocol.Conn) {
	if !c.WriteResponse() {
		a.s.closeConn(c, true)
	}
}
