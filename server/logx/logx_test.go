package logx

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDailyWriterFilename(t *testing.T) {
	dir := t.TempDir()
	w := newDailyWriter(dir, "webserv")
	defer w.Close()

	_, err := w.Write([]byte("hello\n"))
	require.NoError(t, err)

	want := filepath.Join(dir,
		"webserv_"+time.Now().Format(daySuffix)+".log")
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestDailyWriterAppends(t *testing.T) {
	dir := t.TempDir()
	w := newDailyWriter(dir, "webserv")
	defer w.Close()

	w.Write([]byte("one\n"))
	w.Write([]byte("two\n"))

	name := filepath.Join(dir, "webserv_"+time.Now().Format(daySuffix)+".log")
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}

// collectSyncer records writes for the async tests
type collectSyncer struct {
	mu    sync.Mutex
	lines []string
	block chan struct{}
}

func (c *collectSyncer) Write(p []byte) (int, error) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.lines = append(c.lines, string(p))
	c.mu.Unlock()
	return len(p), nil
}

func (c *collectSyncer) Sync() error { return nil }

func (c *collectSyncer) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

var _ zapcore.WriteSyncer = (*collectSyncer)(nil)

func TestAsyncWriterDelivers(t *testing.T) {
	dst := &collectSyncer{}
	w := newAsyncWriter(dst, 8)

	w.Write([]byte("a"))
	w.Write([]byte("b"))
	w.Close()

	assert.Equal(t, []string{"a", "b"}, dst.got())
	assert.Zero(t, w.Dropped())
}

func TestAsyncWriterDropsWhenFull(t *testing.T) {
	dst := &collectSyncer{block: make(chan struct{})}
	w := newAsyncWriter(dst, 1)

	// first write may be picked up by the flusher and parked on the
	// blocked sink, the rest overflow the single-slot queue
	for i := 0; i < 5; i++ {
		w.Write([]byte("x"))
	}
	assert.Positive(t, w.Dropped())

	close(dst.block)
	w.Close()
}

func TestAsyncWriterCopiesBuffer(t *testing.T) {
	dst := &collectSyncer{block: make(chan struct{})}
	w := newAsyncWriter(dst, 4)

	buf := []byte("original")
	w.Write(buf)
	copy(buf, []byte("clobberd"))

	close(dst.block)
	w.Close()
	require.Equal(t, []string{"original"}, dst.got())
}

func TestNewDisabled(t *testing.T) {
	l := New(Options{Disabled: true})
	defer l.Close()

	l.Infof("goes nowhere")
	assert.Zero(t, l.Dropped())
	assert.Nil(t, l.file)
}

func TestNewSyncWritesFile(t *testing.T) {
	dir := t.TempDir()
	l := New(Options{Dir: dir, Base: "webserv"})

	l.Infof("request %s", "/judge.html")
	l.Close()

	name := filepath.Join(dir, "webserv_"+time.Now().Format(daySuffix)+".log")
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), "request /judge.html")
	assert.Contains(t, string(data), "INFO")
}

func TestNewAsyncWritesFile(t *testing.T) {
	dir := t.TempDir()
	l := New(Options{Dir: dir, Base: "webserv", Async: true, QueueSize: 16})

	for i := 0; i < 4; i++ {
		l.Infof("line %d", i)
	}
	l.Close()

	name := filepath.Join(dir, "webserv_"+time.Now().Format(daySuffix)+".log")
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	for _, want := range []string{"line 0", "line 1", "line 2", "line 3"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("missing %q in log output", want)
		}
	}
}
