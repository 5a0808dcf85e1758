// low level epoll and socket plumbing, nothing above fd granularity
package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	backlog   = 16
	maxEvents = 128
)

// poller wraps one epoll instance. Client sockets are registered
// one-shot so a readiness event hands the fd to exactly one worker;
// the worker (or the reactor on its behalf) rearms for the next
// direction when it is done.
type poller struct {
	epfd   int
	connET bool
}

func newPoller(connET bool) (*poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &poller{epfd: epfd, connET: connET}, nil
}

// addListen registers the listening socket; never one-shot, the
// reactor is the only reader of accept events
func (p *poller) addListen(fd int, et bool) error {
	ev := uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
	if et {
		ev |= unix.EPOLLET
	}
	return p.ctl(unix.EPOLL_CTL_ADD, fd, ev)
}

// addPipe registers the signal pipe read end, level-triggered so a
// partial drain re-fires
func (p *poller) addPipe(fd int) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, unix.EPOLLIN)
}

func (p *poller) addConn(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	return p.ctl(unix.EPOLL_CTL_ADD, fd, p.connEvents(unix.EPOLLIN))
}

func (p *poller) ModRead(fd int) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, p.connEvents(unix.EPOLLIN))
}

func (p *poller) ModWrite(fd int) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, p.connEvents(unix.EPOLLOUT))
}

func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// connEvents builds the client-socket event mask for one direction
func (p *poller) connEvents(dir uint32) uint32 {
	ev := dir | unix.EPOLLRDHUP | unix.EPOLLONESHOT
	if p.connET {
		ev |= unix.EPOLLET
	}
	return ev
}

func (p *poller) ctl(op, fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, op, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

// wait blocks for the next readiness batch, retrying across EINTR
func (p *poller) wait(events []unix.EpollEvent) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func (p *poller) close() {
	unix.Close(p.epfd)
}

// listenSocket creates, binds and listens on the given port.
// linger switches on SO_LINGER{1,1} so close discards the send queue
// after one second, matching the -o behavior.
func listenSocket(port int, linger bool) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt reuseaddr: %w", err)
	}
	if linger {
		l := &unix.Linger{Onoff: 1, Linger: 1}
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, l); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("setsockopt linger: %w", err)
		}
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// peerString formats the accepted peer address for logging
func peerString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", a.Addr, a.Port)
	default:
		return "unknown"
	}
}
