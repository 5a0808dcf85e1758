// request dispatch: the CGI actions and static file resolution
package protocol

import (
	"strings"

	"golang.org/x/sys/unix"
)

// pages behind the single-character action prefixes
const (
	pageJudge         = "/judge.html"
	pageRegister      = "/register.html"
	pageLog           = "/log.html"
	pageWelcome       = "/welcome.html"
	pageLogError      = "/logError.html"
	pageRegisterError = "/registerError.html"
	pagePicture       = "/picture.html"
	pageVideo         = "/video.html"
	pageFans          = "/fans.html"
)

// parseCredentials pulls user and password out of a body shaped
// exactly like `user=<u>&passwd=<p>`. Fixed positions, no URL
// decoding, no reordering; anything else mis-parses by contract.
func parseCredentials(body string) (name, pass string, ok bool) {
	if !strings.HasPrefix(body, "user=") {
		return "", "", false
	}
	amp := strings.IndexByte(body, '&')
	if amp < 0 || !strings.HasPrefix(body[amp:], "&passwd=") {
		return "", "", false
	}
	return body[len("user="):amp], body[amp+len("&passwd="):], true
}

// doRequest maps the parsed request onto a file under the document
// root, running the login/register actions first when they apply
func (c *Conn) doRequest() httpCode {
	seg := byte(0)
	if p := strings.LastIndexByte(c.url, '/'); p >= 0 && p+1 < len(c.url) {
		seg = c.url[p+1]
	}

	if c.cgi && (seg == '2' || seg == '3') {
		name, pass, ok := parseCredentials(c.body)
		if !ok {
			return badRequest
		}

		if seg == '3' {
			if err := c.opts.Users.Register(c.opts.BaseCtx, name, pass); err != nil {
				c.url = pageRegisterError
			} else {
				c.url = pageLog
			}
		} else {
			if c.opts.Users.Authenticate(name, pass) {
				c.url = pageWelcome
			} else {
				c.url = pageLogError
			}
		}
	}

	path := c.url
	switch seg {
	case '0':
		path = pageRegister
	case '1':
		path = pageLog
	case '5':
		path = pagePicture
	case '6':
		path = pageVideo
	case '7':
		path = pageFans
	case '2', '3':
		path = c.url // rewritten by the action above for POST
	}

	// plain concatenation, no normalization: `..` escapes are a known
	// compatibility-preserving limitation
	real := c.opts.DocRoot + path

	var st unix.Stat_t
	if err := unix.Stat(real, &st); err != nil {
		return noResource
	}
	if st.Mode&unix.S_IROTH == 0 {
		return forbiddenRequest
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return badRequest
	}

	c.fileSize = st.Size
	if st.Size == 0 {
		// mapping a zero-length file is invalid, the writer path
		// handles the empty case
		return fileRequest
	}

	fd, err := unix.Open(real, unix.O_RDONLY, 0)
	if err != nil {
		return noResource
	}
	addr, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	unix.Close(fd)
	if err != nil {
		return internalError
	}
	c.fileAddr = addr
	return fileRequest
}
