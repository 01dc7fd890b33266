package connpool

import (
	"fmt"
	"runtime"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Lease is a connection taken from a Pool. Close returns it to the pool, it must
// be called exactly once, usually through defer:
//
//	lease, err := pool.Engage(time.Second)
//	if err != nil {
//		return err
//	}
//	defer lease.Close()
type Lease struct {
	mu   sync.Mutex
	pool *Pool
	conn *sqlite.Conn
}

func newLease(p *Pool, conn *sqlite.Conn) *Lease {
	l := &Lease{pool: p, conn: conn}
	runtime.SetFinalizer(l, (*Lease).finalize)
	return l
}

// Conn returns the leased connection. It fails after Close.
func (l *Lease) Conn() (*sqlite.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, fmt.Errorf("%w: lease of pool %q used after close", ErrAccounting, l.pool.id)
	}
	return l.conn, nil
}

// Close rolls back any open transaction and returns the connection to the pool.
// Closing twice is a logged no-op.
func (l *Lease) Close() error {
	conn := l.take()
	if conn == nil {
		l.pool.log.Debugf("pool %s: lease already closed", l.pool.id)
		return nil
	}
	// the error only says there was no transaction, or the connection is broken
	// and the next holder finds out
	_ = sqlitex.ExecuteTransient(conn, "ROLLBACK", nil)
	return l.pool.release(conn)
}

// Discard closes the physical connection and frees its slot in the pool instead of
// returning it to the idle stack.
func (l *Lease) Discard() error {
	conn := l.take()
	if conn == nil {
		l.pool.log.Debugf("pool %s: lease already closed", l.pool.id)
		return nil
	}
	if err := conn.Close(); err != nil {
		l.pool.log.Warnf("pool %s: closing discarded connection: %v", l.pool.id, err)
	}
	return l.pool.release(nil)
}

func (l *Lease) take() *sqlite.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	conn := l.conn
	if conn != nil {
		l.conn = nil
		runtime.SetFinalizer(l, nil)
	}
	return conn
}

func (l *Lease) finalize() {
	if l.conn == nil {
		return
	}
	l.pool.log.Errorf("pool %s: lease garbage collected without Close, forcing release", l.pool.id)
	if err := l.Close(); err != nil {
		l.pool.log.Errorf("pool %s: forced release failed: %v", l.pool.id, err)
	}
}
