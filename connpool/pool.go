package connpool

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
)

// Pool is a bounded set of reusable physical connections of one pool identifier.
// All state changes happen under a single mutex, the mutex is never held while
// Engage waits for a free connection.
type Pool struct {
	mu         sync.Mutex
	id         string
	params     Params
	dial       Dialer
	idle       []*sqlite.Conn
	checkedOut int
	// released wakes one waiting Engage after a release
	released chan struct{}
	log      *zap.SugaredLogger
	metrics  *Metrics
}

func newPool(p Params, dial Dialer, log *zap.SugaredLogger, metrics *Metrics) *Pool {
	return &Pool{
		id:       p.ID,
		params:   p,
		dial:     dial,
		released: make(chan struct{}, 1),
		log:      log,
		metrics:  metrics,
	}
}

// ID returns pool identifier
func (p *Pool) ID() string {
	return p.id
}

// Engage leases a connection. An idle connection is returned immediately, the most
// recently returned first. Otherwise a new connection is opened while the pool is
// below its maximum; failures to open are logged and retried until timeout elapses.
// A saturated pool is polled every WaitInterval. The first attempt is always made,
// so a zero timeout still picks up an idle connection or a free slot.
func (p *Pool) Engage(timeout time.Duration) (*Lease, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	var lastErr error
	for {
		conn, err := p.acquire()
		if conn != nil {
			p.metrics.observeEngage(p.id, time.Since(start))
			return newLease(p, conn), nil
		}
		if err != nil {
			lastErr = err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		timer := time.NewTimer(min(p.params.WaitInterval, remaining))
		select {
		case <-p.released:
		case <-timer.C:
		}
		timer.Stop()
	}
	p.metrics.engageTimeout(p.id)
	if lastErr != nil {
		return nil, fmt.Errorf("%w: pool %q after %s, last error: %v", ErrConnectTimeout, p.id, timeout, lastErr)
	}
	return nil, fmt.Errorf("%w: pool %q has all %d connections checked out after %s", ErrConnectTimeout, p.id, p.params.MaxConnections, timeout)
}

// acquire makes a single attempt to take a connection. It returns nil, nil when the
// pool is saturated.
func (p *Pool) acquire() (*sqlite.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.checkedOut++
		p.metrics.setCounts(p.id, p.checkedOut, len(p.idle))
		return conn, nil
	}
	if p.checkedOut >= p.params.MaxConnections {
		return nil, nil
	}
	conn, err := p.dial(p.params)
	if err != nil {
		p.metrics.dialFailure(p.id)
		p.log.Warnf("pool %s: failed to open connection, retrying: %v", p.id, err)
		return nil, err
	}
	p.checkedOut++
	p.metrics.setCounts(p.id, p.checkedOut, len(p.idle))
	p.log.Debugf("pool %s: opened connection %d/%d", p.id, p.checkedOut, p.params.MaxConnections)
	return conn, nil
}

// release returns a leased connection. A nil conn only frees the slot, the
// connection was closed by its holder.
func (p *Pool) release(conn *sqlite.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkedOut <= 0 {
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("%w: release on pool %q with no checked out connections", ErrAccounting, p.id)
	}
	p.checkedOut--
	if conn != nil {
		p.idle = append(p.idle, conn)
	}
	p.metrics.setCounts(p.id, p.checkedOut, len(p.idle))
	select {
	case p.released <- struct{}{}:
	default:
	}
	return nil
}

// Clear closes all idle connections. It fails with ErrStillInUse if any connection
// is checked out.
func (p *Pool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.idle {
		if err := conn.Close(); err != nil {
			p.log.Warnf("pool %s: closing idle connection: %v", p.id, err)
		}
	}
	p.idle = nil
	p.metrics.setCounts(p.id, p.checkedOut, 0)
	if p.checkedOut > 0 {
		return fmt.Errorf("%w: pool %q has %d checked out connections", ErrStillInUse, p.id, p.checkedOut)
	}
	return nil
}

// CheckedOut returns number of leased connections
func (p *Pool) CheckedOut() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkedOut
}

// Idle returns number of idle connections
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
