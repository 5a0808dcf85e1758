// response builder: bounded formatted appends into the write buffer,
// then the scatter/gather table for the writer
package protocol

import "fmt"

// addResponse appends formatted bytes to the write buffer; a full
// buffer fails cleanly and the caller turns that into a close
func (c *Conn) addResponse(format string, args ...any) bool {
	if c.writeIdx >= writeBufSize {
		return false
	}
	s := fmt.Sprintf(format, args...)
	if len(s) >= writeBufSize-1-c.writeIdx {
		return false
	}
	copy(c.writeBuf[c.writeIdx:], s)
	c.writeIdx += len(s)
	return true
}

func (c *Conn) addStatusLine(status int, title string) bool {
	c.status = status
	return c.addResponse("%s %d %s\r\n", "HTTP/1.1", status, title)
}

// addHeaders emits the fixed header set in fixed order:
// Content-Length, Content-Type, Connection, blank line
func (c *Conn) addHeaders(contentLen int) bool {
	return c.addContentLength(contentLen) && c.addContentType() &&
		c.addLinger() && c.addBlankLine()
}

func (c *Conn) addContentLength(n int) bool {
	return c.addResponse("Content-Length:%d\r\n", n)
}

func (c *Conn) addContentType() bool {
	return c.addResponse("Content-Type:%s\r\n", "text/html")
}

func (c *Conn) addLinger() bool {
	v := "close"
	if c.keepAlive {
		v = "keep-alive"
	}
	return c.addResponse("Connection:%s\r\n", v)
}

func (c *Conn) addBlankLine() bool {
	return c.addResponse("%s", "\r\n")
}

func (c *Conn) addContent(content string) bool {
	return c.addResponse("%s", content)
}

// processWrite turns the parser outcome into a framed response and
// loads the iovec table. false means the connection must be closed
// without sending anything.
func (c *Conn) processWrite(code httpCode) bool {
	switch code {
	case internalError:
		if !c.addStatusLine(500, error500Title) ||
			!c.addHeaders(len(error500Form)) || !c.addContent(error500Form) {
			return false
		}
	case badRequest, noResource:
		if !c.addStatusLine(404, error404Title) ||
			!c.addHeaders(len(error404Form)) || !c.addContent(error404Form) {
			return false
		}
	case forbiddenRequest:
		if !c.addStatusLine(403, error403Title) ||
			!c.addHeaders(len(error403Form)) || !c.addContent(error403Form) {
			return false
		}
	case fileRequest:
		if !c.addStatusLine(200, ok200Title) {
			return false
		}
		if c.fileSize != 0 {
			if !c.addHeaders(int(c.fileSize)) {
				return false
			}
			c.iov[0] = c.writeBuf[:c.writeIdx]
			c.iov[1] = c.fileAddr
			c.iovCount = 2
			c.bytesToSend = c.writeIdx + int(c.fileSize)
			c.notifyResponse()
			return true
		}
		// a zero-length file closes the connection without a
		// response, preserved from the reference behavior
		return false
	default:
		return false
	}

	c.iov[0] = c.writeBuf[:c.writeIdx]
	c.iovCount = 1
	c.bytesToSend = c.writeIdx
	c.notifyResponse()
	return true
}

func (c *Conn) notifyResponse() {
	if c.opts.OnResponse != nil {
		c.opts.OnResponse(c.status)
	}
}
