// bounded connection pool over database/sql, semaphore guarded
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const pingTimeout = 10 * time.Second

const schema = `CREATE TABLE IF NOT EXISTS user (
	username TEXT PRIMARY KEY,
	passwd   TEXT NOT NULL
)`

// Pool pre-opens a fixed set of handles; Get blocks on the semaphore
// when every handle is leased, which is the intended backpressure
type Pool struct {
	db  *sql.DB
	sem *semaphore.Weighted

	mu    sync.Mutex
	free  []*sql.Conn
	inUse int
	size  int
}

func NewPool(ctx context.Context, dsn string, maxConn int) (*Pool, error) {
	if maxConn <= 0 {
		return nil, fmt.Errorf("db: pool size %d", maxConn)
	}

	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open %q: %w", dsn, err)
	}
	sdb.SetMaxOpenConns(maxConn)

	// the database may still be coming up, retry the first contact
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = pingTimeout
	if err := backoff.Retry(func() error {
		return sdb.PingContext(ctx)
	}, backoff.WithContext(bo, ctx)); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("db: ping %q: %w", dsn, err)
	}

	if _, err := sdb.ExecContext(ctx, schema); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("db: ensure schema: %w", err)
	}

	p := &Pool{
		db:   sdb,
		sem:  semaphore.NewWeighted(int64(maxConn)),
		free: make([]*sql.Conn, 0, maxConn),
		size: maxConn,
	}
	for i := 0; i < maxConn; i++ {
		c, err := sdb.Conn(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("db: open handle %d/%d: %w", i+1, maxConn, err)
		}
		p.free = append(p.free, c)
	}
	return p, nil
}

// Get leases one handle, waiting for a free one if necessary
func (p *Pool) Get(ctx context.Context) (*Lease, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.mu.Lock()
	n := len(p.free)
	c := p.free[n-1]
	p.free = p.free[:n-1]
	p.inUse++
	p.mu.Unlock()
	return &Lease{pool: p, conn: c}, nil
}

// Free reports the unleased handle count
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// InUse reports the leased handle count
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

func (p *Pool) Close() error {
	p.mu.Lock()
	for _, c := range p.free {
		c.Close()
	}
	p.free = nil
	p.mu.Unlock()
	return p.db.Close()
}

// Lease is one handle checked out of the pool; Release is safe to
// call more than once so every exit path can defer it
type Lease struct {
	pool *Pool
	conn *sql.Conn
	once sync.Once
}

func (l *Lease) Conn() *sql.Conn {
	return l.conn
}

func (l *Lease) Release() {
	l.once.Do(func() {
		p := l.pool
		p.mu.Lock()
		p.free = append(p.free, l.conn)
		p.inUse--
		p.mu.Unlock()
		p.sem.Release(1)
	})
}
