package connpool

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func testParams(t *testing.T, max int) Params {
	return Params{
		ID:             DefaultID,
		Driver:         DriverSQLite,
		URL:            filepath.Join(t.TempDir(), "pool.db"),
		MaxConnections: max,
		WaitInterval:   10 * time.Millisecond,
	}
}

func newTestPool(t *testing.T, max int, opts ...Option) (*Registry, *Pool) {
	r := NewRegistry(zap.NewNop().Sugar(), opts...)
	if err := r.Register(testParams(t, max)); err != nil {
		t.Fatal(err)
	}
	pool, err := r.Get("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r, pool
}

func TestEngageExhausted(t *testing.T) {
	_, pool := newTestPool(t, 3)
	leases := []*Lease{}
	for i := 0; i < 3; i++ {
		l, err := pool.Engage(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		leases = append(leases, l)
	}
	_, err := pool.Engage(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Equal(t, 3, pool.CheckedOut())
	for _, l := range leases {
		require.NoError(t, l.Close())
	}
	assert.Equal(t, 0, pool.CheckedOut())
	assert.Equal(t, 3, pool.Idle())
}

func TestLeaseCloseTwice(t *testing.T) {
	_, pool := newTestPool(t, 2)
	l, err := pool.Engage(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Equal(t, 0, pool.CheckedOut())
	assert.Equal(t, 1, pool.Idle())

	_, err = l.Conn()
	assert.ErrorIs(t, err, ErrAccounting)
}

func TestReuseFreedSlot(t *testing.T) {
	_, pool := newTestPool(t, 2)
	a, err := pool.Engage(time.Second)
	require.NoError(t, err)
	b, err := pool.Engage(time.Second)
	require.NoError(t, err)
	defer b.Close()

	_, err = pool.Engage(0)
	assert.ErrorIs(t, err, ErrConnectTimeout)

	aConn, err := a.Conn()
	require.NoError(t, err)
	require.NoError(t, a.Close())

	start := time.Now()
	d, err := pool.Engage(time.Second)
	require.NoError(t, err)
	defer d.Close()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	dConn, err := d.Conn()
	require.NoError(t, err)
	assert.Same(t, aConn, dConn)
	assert.Equal(t, 2, pool.CheckedOut())
}

func TestIdleIsLastInFirstOut(t *testing.T) {
	_, pool := newTestPool(t, 2)
	a, err := pool.Engage(time.Second)
	require.NoError(t, err)
	b, err := pool.Engage(time.Second)
	require.NoError(t, err)
	bConn, _ := b.Conn()
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	c, err := pool.Engage(0)
	require.NoError(t, err)
	defer c.Close()
	cConn, _ := c.Conn()
	assert.Same(t, bConn, cConn)
}

func TestEngageWokenByRelease(t *testing.T) {
	_, pool := newTestPool(t, 1)
	a, err := pool.Engage(time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		l, err := pool.Engage(2 * time.Second)
		if err == nil {
			err = l.Close()
		}
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, a.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiting engage was not served")
	}
}

func TestConcurrentEngage(t *testing.T) {
	const max = 3
	_, pool := newTestPool(t, max)
	var mu sync.Mutex
	maxSeen := 0
	g := &errgroup.Group{}
	for i := 0; i < 12; i++ {
		g.Go(func() error {
			for j := 0; j < 10; j++ {
				l, err := pool.Engage(5 * time.Second)
				if err != nil {
					return err
				}
				mu.Lock()
				if n := pool.CheckedOut(); n > maxSeen {
					maxSeen = n
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				if err := l.Close(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, maxSeen, max)
	assert.Equal(t, 0, pool.CheckedOut())
	assert.LessOrEqual(t, pool.Idle(), max)
}

func TestTransientDialFailure(t *testing.T) {
	failures := 2
	flaky := func(p Params) (*sqlite.Conn, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("backend unreachable")
		}
		return DialSQLite(p)
	}
	metrics := NewMetrics()
	r := NewRegistry(zap.NewNop().Sugar(), WithDialer("flaky", flaky), WithMetrics(metrics))
	p := testParams(t, 1)
	p.Driver = "flaky"
	require.NoError(t, r.Register(p))
	defer r.Close()
	pool, err := r.Get(DefaultID)
	require.NoError(t, err)

	l, err := pool.Engage(time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.dialFailures.WithLabelValues(DefaultID)))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.checkedOut.WithLabelValues(DefaultID)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.idle.WithLabelValues(DefaultID)))
}

func TestDialFailureTimeout(t *testing.T) {
	broken := func(p Params) (*sqlite.Conn, error) {
		return nil, errors.New("backend unreachable")
	}
	metrics := NewMetrics()
	_, pool := newTestPool(t, 1, WithDialer(DriverSQLite, broken), WithMetrics(metrics))
	_, err := pool.Engage(60 * time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Contains(t, err.Error(), "backend unreachable")
	assert.Equal(t, 0, pool.CheckedOut())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.engageTimeouts.WithLabelValues(DefaultID)))
}

func TestReleaseAccounting(t *testing.T) {
	_, pool := newTestPool(t, 1)
	assert.ErrorIs(t, pool.release(nil), ErrAccounting)
	assert.Equal(t, 0, pool.CheckedOut())
}

func TestDiscard(t *testing.T) {
	_, pool := newTestPool(t, 1)
	l, err := pool.Engage(time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Discard())
	require.NoError(t, l.Close())
	assert.Equal(t, 0, pool.CheckedOut())
	assert.Equal(t, 0, pool.Idle())

	l, err = pool.Engage(0)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestClear(t *testing.T) {
	_, pool := newTestPool(t, 2)
	a, err := pool.Engage(time.Second)
	require.NoError(t, err)
	b, err := pool.Engage(time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	assert.ErrorIs(t, pool.Clear(), ErrStillInUse)
	assert.Equal(t, 0, pool.Idle())

	require.NoError(t, a.Close())
	assert.NoError(t, pool.Clear())
	assert.Equal(t, 0, pool.Idle())
}

func TestCloseRollsBack(t *testing.T) {
	r, pool := newTestPool(t, 1)
	require.NoError(t, r.Execute("", "CREATE TABLE t (v INTEGER NOT NULL);"))

	l, err := pool.Engage(time.Second)
	require.NoError(t, err)
	conn, err := l.Conn()
	require.NoError(t, err)
	require.NoError(t, sqlitex.ExecuteTransient(conn, "BEGIN", nil))
	require.NoError(t, sqlitex.Execute(conn, "INSERT INTO t (v) VALUES (?)", &sqlitex.ExecOptions{Args: []any{1}}))
	require.NoError(t, l.Close())

	var count int
	err = r.WithConn("", time.Second, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT count(*) FROM t", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
