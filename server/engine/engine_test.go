package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	users map[string]string
}

func (s *memStore) Authenticate(name, pass string) bool {
	v, ok := s.users[name]
	return ok && v == pass
}

func (s *memStore) Register(ctx context.Context, name, pass string) error {
	if _, ok := s.users[name]; ok {
		return fmt.Errorf("duplicate user %q", name)
	}
	s.users[name] = pass
	return nil
}

func writePages(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, p := range []string{
		"judge.html", "register.html", "log.html", "welcome.html",
		"logError.html", "registerError.html",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, p),
			[]byte("<html>"+p+"</html>"), 0o644))
	}
	return dir
}

// startServer runs a full event loop on the given port and waits for
// it to accept connections
func startServer(t *testing.T, port int, proactor bool) (string, context.CancelFunc) {
	t.Helper()

	srv, err := NewServer(context.Background(), Config{
		Port:     port,
		Workers:  4,
		Proactor: proactor,
		DocRoot:  writePages(t),
		Timeslot: time.Hour,
		Users:    &memStore{users: map[string]string{"alice": "s3cret"}},
		Log:      zap.NewNop().Sugar(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)

	target := fmt.Sprintf("127.0.0.1:%d", port)
	for i := 0; i < 50; i++ {
		conn, err := net.DialTimeout("tcp", target, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			break
		}
		if i == 49 {
			cancel()
			t.Fatalf("server did not come up on %s", target)
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Cleanup(cancel)
	return target, cancel
}

func readResponse(t *testing.T, r *bufio.Reader, method string) *http.Response {
	t.Helper()
	resp, err := http.ReadResponse(r, &http.Request{Method: method})
	require.NoError(t, err)
	return resp
}

func TestServeStaticKeepAlive(t *testing.T) {
	target, _ := startServer(t, 19061, true)

	conn, err := net.Dial("tcp", target)
	require.NoError(t, err)
	defer conn.Close()
	br := bufio.NewReader(conn)

	// two sequential requests over the same connection
	for i := 0; i < 2; i++ {
		_, err = conn.Write([]byte("GET /judge.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n"))
		require.NoError(t, err)

		resp := readResponse(t, br, "GET")
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
		assert.Equal(t, "<html>judge.html</html>", string(body))
	}
}

func TestServeRootRewrite(t *testing.T) {
	target, _ := startServer(t, 19062, true)

	conn, err := net.Dial("tcp", target)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	resp := readResponse(t, bufio.NewReader(conn), "GET")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "close", resp.Header.Get("Connection"))
	assert.Contains(t, string(body), "judge.html")
}

func TestServeMissingFile(t *testing.T) {
	target, _ := startServer(t, 19063, false)

	conn, err := net.Dial("tcp", target)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /nope.html HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	resp := readResponse(t, bufio.NewReader(conn), "GET")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, 404, resp.StatusCode)
	assert.Contains(t, string(body), "not found")
}

func TestServeLoginFlow(t *testing.T) {
	target, _ := startServer(t, 19064, true)

	post := func(body string) *http.Response {
		conn, err := net.Dial("tcp", target)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })

		req := fmt.Sprintf("POST /2CGISQL.cgi HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s",
			len(body), body)
		_, err = conn.Write([]byte(req))
		require.NoError(t, err)
		return readResponse(t, bufio.NewReader(conn), "POST")
	}

	resp := post("user=alice&passwd=s3cret")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), "welcome.html")

	resp = post("user=alice&passwd=wrong")
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), "logError.html")
}

func TestServeRegisterFlow(t *testing.T) {
	target, _ := startServer(t, 19065, false)

	conn, err := net.Dial("tcp", target)
	require.NoError(t, err)
	defer conn.Close()

	body := "user=bob&passwd=pw"
	req := fmt.Sprintf("POST /3CGISQL.cgi HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body)
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	resp := readResponse(t, bufio.NewReader(conn), "POST")
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(got), "log.html")
}

func TestServeBadMethod(t *testing.T) {
	target, _ := startServer(t, 19066, true)

	conn, err := net.Dial("tcp", target)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("BREW /pot HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	resp := readResponse(t, bufio.NewReader(conn), "GET")
	resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}

func TestIdleEviction(t *testing.T) {
	srv, err := NewServer(context.Background(), Config{
		Port:     19067,
		Workers:  2,
		Proactor: true,
		DocRoot:  writePages(t),
		Timeslot: 300 * time.Millisecond,
		Users:    &memStore{users: map[string]string{}},
		Log:      zap.NewNop().Sugar(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	target := "127.0.0.1:19067"
	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("tcp", target, 100*time.Millisecond)
		if err == nil {
			break
		}
		if i == 49 {
			t.Fatalf("server did not come up")
		}
		time.Sleep(50 * time.Millisecond)
	}
	defer conn.Close()

	// an idle connection is closed after three quiet timeslots
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
	assert.True(t, err == io.EOF || strings.Contains(err.Error(), "reset"),
		"expected eviction, got %v", err)
}

func BenchmarkServeStatic(b *testing.B) {
	dir := b.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "judge.html"),
		[]byte("<html>bench</html>"), 0o644); err != nil {
		b.Fatal(err)
	}

	srv, err := NewServer(context.Background(), Config{
		Port:     19070,
		Workers:  4,
		Proactor: true,
		DocRoot:  dir,
		Timeslot: time.Hour,
		Users:    &memStore{users: map[string]string{}},
		Log:      zap.NewNop().Sugar(),
	})
	if err != nil {
		b.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	target := "127.0.0.1:19070"
	for i := 0; i < 50; i++ {
		conn, err := net.DialTimeout("tcp", target, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			break
		}
		if i == 49 {
			b.Fatalf("server did not come up")
		}
		time.Sleep(50 * time.Millisecond)
	}

	req := []byte("GET /judge.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		conn, err := net.Dial("tcp", target)
		if err != nil {
			b.Errorf("dial: %v", err)
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)

		for pb.Next() {
			if _, err := conn.Write(req); err != nil {
				b.Errorf("write: %v", err)
				return
			}
			resp, err := http.ReadResponse(br, &http.Request{Method: "GET"})
			if err != nil {
				b.Errorf("read: %v", err)
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	})
}
