package connpool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DefaultEngageTimeout time budget of connections leased by Execute, Update and WithConn
const DefaultEngageTimeout = 5 * time.Second

// Registry keeps connection parameters and lazily created pools by identifier
type Registry struct {
	mu      sync.Mutex
	params  map[string]Params
	pools   map[string]*Pool
	dialers map[string]Dialer
	timeout time.Duration
	log     *zap.SugaredLogger
	metrics *Metrics
}

type Option func(*Registry)

// WithDialer registers dialer d under driver name
func WithDialer(name string, d Dialer) Option {
	return func(r *Registry) {
		r.dialers[name] = d
	}
}

// WithMetrics records pool metrics in m
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithEngageTimeout sets time budget of Execute and Update, non-positive d keeps the default
func WithEngageTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRegistry creates a registry with the sqlite dialer
func NewRegistry(log *zap.SugaredLogger, opts ...Option) *Registry {
	r := &Registry{
		params:  map[string]Params{},
		pools:   map[string]*Pool{},
		dialers: map[string]Dialer{DriverSQLite: DialSQLite},
		timeout: DefaultEngageTimeout,
		log:     log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores connection parameters of pool p.ID. Parameters of a pool which
// is already in use cannot be replaced.
func (r *Registry) Register(p Params) error {
	p = p.withDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dialers[p.Driver]; !ok {
		return fmt.Errorf("%w: %q for pool %q", ErrUnknownDriver, p.Driver, p.ID)
	}
	if _, ok := r.pools[p.ID]; ok {
		return fmt.Errorf("pool %q already in use", p.ID)
	}
	r.params[p.ID] = p
	return nil
}

// Get returns the pool bound to id, creating it on first use. An empty id selects
// DefaultID.
func (r *Registry) Get(id string) (*Pool, error) {
	if id == "" {
		id = DefaultID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if pool, ok := r.pools[id]; ok {
		return pool, nil
	}
	p, ok := r.params[id]
	if !ok {
		return nil, fmt.Errorf("%w: pool %q", ErrConfigNotFound, id)
	}
	pool := newPool(p, r.dialers[p.Driver], r.log, r.metrics)
	r.pools[id] = pool
	r.log.Debugf("pool %s created, driver %s, max connections %d", id, p.Driver, p.MaxConnections)
	return pool, nil
}

// Close clears every pool and forgets it. A pool with connections still
// checked out is kept, so its leases keep counting against its limit.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.pools))
	for id := range r.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var err error
	for _, id := range ids {
		if cerr := r.pools[id].Clear(); cerr != nil {
			err = multierr.Append(err, cerr)
			continue
		}
		delete(r.pools, id)
	}
	return err
}

// WithConn leases a connection of pool id for the duration of fn
func (r *Registry) WithConn(id string, timeout time.Duration, fn func(conn *sqlite.Conn) error) (err error) {
	pool, err := r.Get(id)
	if err != nil {
		return err
	}
	lease, err := pool.Engage(timeout)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, lease.Close())
	}()
	conn, err := lease.Conn()
	if err != nil {
		return err
	}
	return fn(conn)
}

// Execute runs one or more statements without parameters
func (r *Registry) Execute(id, query string) error {
	return r.WithConn(id, r.timeout, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, query, nil)
	})
}

// Update runs a parameterized statement and returns number of changed rows
func (r *Registry) Update(id, query string, args ...any) (int, error) {
	var changes int
	err := r.WithConn(id, r.timeout, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
			return err
		}
		changes = conn.Changes()
		return nil
	})
	return changes, err
}
