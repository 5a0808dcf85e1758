// per-connection HTTP/1.1 state machine
// incremental line parser, request dispatch, scatter/gather writer
package protocol

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	readBufSize  = 2048
	writeBufSize = 1024
)

// Poller rearms the one-shot registration for the next direction;
// implemented by the engine, this is the only epoll surface a worker
// is allowed to touch
type Poller interface {
	ModRead(fd int) error
	ModWrite(fd int) error
}

// UserStore is the credential backend for the two CGI actions
type UserStore interface {
	Authenticate(name, pass string) bool
	Register(ctx context.Context, name, pass string) error
}

// Options is shared by every connection of one server instance
type Options struct {
	DocRoot string
	ET      bool // edge-triggered reads on client sockets
	Poller  Poller
	Users   UserStore
	Log     *zap.SugaredLogger
	BaseCtx context.Context

	// OnClose tears the connection down: epoll removal, socket close,
	// timer unlink, user-count decrement. Owned by the engine.
	OnClose func(c *Conn)
	// OnResponse observes the status code of each built response
	OnResponse func(status int)
}

// Conn carries the full per-socket state. A connection is owned by at
// most one goroutine at a time (one-shot discipline); Improv and
// TimerFlag coordinate eviction with an in-flight worker.
type Conn struct {
	opts *Options

	fd   int
	peer string

	readBuf    [readBufSize]byte
	readIdx    int // bytes received so far
	checkedIdx int // parse cursor, never ahead of readIdx
	startLine  int // first byte of the line being parsed
	lineEnd    int // set by parseLine on lineOK, excludes CRLF

	writeBuf [writeBufSize]byte
	writeIdx int

	iov         [2][]byte
	iovCount    int
	bytesToSend int
	bytesSent   int

	state      parseState
	method     string
	url        string
	version    string
	host       string
	contentLen int
	keepAlive  bool
	cgi        bool
	body       string
	status     int

	fileAddr []byte // mmap of the served file, nil otherwise
	fileSize int64

	// eviction handshake, see the engine's timeout sweep
	Improv    atomic.Bool
	TimerFlag atomic.Bool

	closed atomic.Bool
}

func NewConn(opts *Options) *Conn {
	if opts.BaseCtx == nil {
		opts.BaseCtx = context.Background()
	}
	return &Conn{opts: opts, fd: -1}
}

// Init binds an accepted socket to this slot
func (c *Conn) Init(fd int, peer string) {
	c.fd = fd
	c.peer = peer
	c.closed.Store(false)
	c.Improv.Store(false)
	c.TimerFlag.Store(false)
	c.reinit()
}

// reinit resets parse and write state for the next request on the
// same socket (keep-alive) without touching the socket itself
func (c *Conn) reinit() {
	c.readIdx = 0
	c.checkedIdx = 0
	c.startLine = 0
	c.lineEnd = 0
	c.writeIdx = 0
	c.iov[0] = nil
	c.iov[1] = nil
	c.iovCount = 0
	c.bytesToSend = 0
	c.bytesSent = 0
	c.state = stateRequestLine
	c.method = ""
	c.url = ""
	c.version = ""
	c.host = ""
	c.contentLen = 0
	c.keepAlive = false
	c.cgi = false
	c.body = ""
	c.status = 0
	c.fileAddr = nil
	c.fileSize = 0
	clear(c.readBuf[:])
	clear(c.writeBuf[:])
}

func (c *Conn) Fd() int      { return c.fd }
func (c *Conn) Peer() string { return c.peer }

// MarkClosed flips the closed bit exactly once
func (c *Conn) MarkClosed() bool {
	return c.closed.CompareAndSwap(false, true)
}

func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// CloseNow runs the engine's teardown for this connection
func (c *Conn) CloseNow() {
	c.opts.OnClose(c)
}

// ReadOnce pulls whatever the socket has into the read buffer.
// LT mode does a single recv per readiness event; ET drains until
// EAGAIN. A full buffer without a complete request aborts.
func (c *Conn) ReadOnce() bool {
	if c.readIdx >= readBufSize {
		return false
	}

	if !c.opts.ET {
		n, err := unix.Read(c.fd, c.readBuf[c.readIdx:])
		if err != nil || n <= 0 {
			return false
		}
		c.readIdx += n
		return true
	}

	for {
		n, err := unix.Read(c.fd, c.readBuf[c.readIdx:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			return false
		}
		if n == 0 {
			return false
		}
		c.readIdx += n
		if c.readIdx >= readBufSize {
			break
		}
	}
	return true
}

// Process runs the parser over the buffered bytes and, on a complete
// request, builds the response and rearms for writability
func (c *Conn) Process() {
	code := c.processRead()
	if code == noRequest {
		c.opts.Poller.ModRead(c.fd)
		return
	}
	if !c.processWrite(code) {
		c.CloseNow()
		return
	}
	c.opts.Poller.ModWrite(c.fd)
}

// processRead drives the three-state machine over complete lines
func (c *Conn) processRead() httpCode {
	status := lineOK
	for {
		if c.state == stateContent && status == lineOK {
			// the body is not line-terminated, no line to extract;
			// checkedIdx must stay at the body start for a resumed read
			if c.parseContent() == getRequest {
				return c.doRequest()
			}
			return noRequest
		}

		if status = c.parseLine(); status != lineOK {
			break
		}

		line := string(c.readBuf[c.startLine:c.lineEnd])
		c.startLine = c.checkedIdx
		c.opts.Log.Infof("%s", line)

		switch c.state {
		case stateRequestLine:
			if c.parseRequestLine(line) == badRequest {
				return badRequest
			}
		case stateHeader:
			ret := c.parseHeaders(line)
			if ret == badRequest {
				return badRequest
			}
			if ret == getRequest {
				return c.doRequest()
			}
		}
	}
	if status == lineBad {
		return badRequest
	}
	return noRequest
}

// parseLine scans for a CRLF between checkedIdx and readIdx.
// lineOK advances checkedIdx past the terminator and records lineEnd;
// lineOpen resumes at the same cursor on the next read.
func (c *Conn) parseLine() lineStatus {
	for ; c.checkedIdx < c.readIdx; c.checkedIdx++ {
		switch c.readBuf[c.checkedIdx] {
		case '\r':
			if c.checkedIdx+1 == c.readIdx {
				return lineOpen
			}
			if c.readBuf[c.checkedIdx+1] == '\n' {
				c.lineEnd = c.checkedIdx
				c.checkedIdx += 2
				return lineOK
			}
			return lineBad
		case '\n':
			if c.checkedIdx > 1 && c.readBuf[c.checkedIdx-1] == '\r' {
				c.lineEnd = c.checkedIdx - 1
				c.checkedIdx++
				return lineOK
			}
			return lineBad
		}
	}
	return lineOpen
}

// parseRequestLine handles `METHOD SP URL SP HTTP/1.1`
func (c *Conn) parseRequestLine(line string) httpCode {
	sep := strings.IndexAny(line, " \t")
	if sep < 0 {
		return badRequest
	}
	method := line[:sep]
	rest := strings.TrimLeft(line[sep+1:], " \t")

	switch {
	case strings.EqualFold(method, "GET"):
		c.method = "GET"
	case strings.EqualFold(method, "POST"):
		c.method = "POST"
		c.cgi = true
	default:
		return badRequest
	}

	sep = strings.IndexAny(rest, " \t")
	if sep < 0 {
		return badRequest
	}
	url := rest[:sep]
	c.version = strings.TrimLeft(rest[sep+1:], " \t")
	if !strings.EqualFold(c.version, "HTTP/1.1") {
		return badRequest
	}

	// absolute-form URLs collapse to their path
	if len(url) >= 7 && strings.EqualFold(url[:7], "http://") {
		i := strings.IndexByte(url[7:], '/')
		if i < 0 {
			return badRequest
		}
		url = url[7+i:]
	}
	if len(url) >= 8 && strings.EqualFold(url[:8], "https://") {
		i := strings.IndexByte(url[8:], '/')
		if i < 0 {
			return badRequest
		}
		url = url[8+i:]
	}

	if url == "" || url[0] != '/' {
		return badRequest
	}
	if url == "/" {
		url = "/judge.html"
	}
	c.url = url
	c.state = stateHeader
	return noRequest
}

// parseHeaders recognizes Connection, Content-Length and Host;
// anything else is logged and ignored
func (c *Conn) parseHeaders(line string) httpCode {
	if line == "" {
		if c.contentLen != 0 {
			c.state = stateContent
			return noRequest
		}
		return getRequest
	}

	switch {
	case hasFoldPrefix(line, "Connection:"):
		v := strings.TrimLeft(line[len("Connection:"):], " \t")
		if strings.EqualFold(v, "keep-alive") {
			c.keepAlive = true
		}
	case hasFoldPrefix(line, "Content-Length:"):
		v := strings.TrimLeft(line[len("Content-Length:"):], " \t")
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest
		}
		c.contentLen = n
	case hasFoldPrefix(line, "Host:"):
		c.host = strings.TrimLeft(line[len("Host:"):], " \t")
	default:
		c.opts.Log.Infof("unknown header: %s", line)
	}
	return noRequest
}

func hasFoldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// parseContent waits for exactly contentLen body bytes
func (c *Conn) parseContent() httpCode {
	if c.readIdx >= c.checkedIdx+c.contentLen {
		c.body = string(c.readBuf[c.checkedIdx : c.checkedIdx+c.contentLen])
		return getRequest
	}
	return noRequest
}

// unmap releases the file mapping after the response is on the wire
func (c *Conn) unmap() {
	if c.fileAddr != nil {
		unix.Munmap(c.fileAddr)
		c.fileAddr = nil
		c.fileSize = 0
	}
}

// WriteResponse pushes the pending iovecs out. Returns false when the
// caller must close the connection; true means it stays open, either
// rearmed for the next write chunk or reinitialized for keep-alive.
func (c *Conn) WriteResponse() bool {
	if c.bytesToSend == 0 {
		c.opts.Poller.ModRead(c.fd)
		c.reinit()
		return true
	}

	for {
		n, err := unix.Writev(c.fd, c.iov[:c.iovCount])
		if err != nil {
			if err == unix.EAGAIN {
				c.opts.Poller.ModWrite(c.fd)
				return true
			}
			c.unmap()
			return false
		}

		c.bytesSent += n
		c.bytesToSend -= n
		if c.bytesSent >= c.writeIdx {
			// header segment drained, slide the file segment
			c.iov[0] = nil
			if c.iovCount == 2 {
				c.iov[1] = c.fileAddr[c.bytesSent-c.writeIdx:]
			}
		} else {
			c.iov[0] = c.writeBuf[c.bytesSent:c.writeIdx]
		}

		if c.bytesToSend <= 0 {
			c.unmap()
			if !c.keepAlive {
				return false
			}
			c.opts.Poller.ModRead(c.fd)
			c.reinit()
			return true
		}
	}
}
