package connpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func TestRegistryConfigNotFound(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())
	_, err := r.Get("")
	assert.ErrorIs(t, err, ErrConfigNotFound)
	_, err = r.Get("archive")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestRegistryUnknownDriver(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())
	err := r.Register(Params{ID: "x", Driver: "oracle", URL: "somewhere"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestRegistrySamePool(t *testing.T) {
	r, pool := newTestPool(t, 1)
	again, err := r.Get(DefaultID)
	require.NoError(t, err)
	assert.Same(t, pool, again)
	assert.Error(t, r.Register(testParams(t, 4)))
}

func TestRegistryPoolsAreIndependent(t *testing.T) {
	r, pool := newTestPool(t, 1)
	other := testParams(t, 1)
	other.ID = "archive"
	require.NoError(t, r.Register(other))
	archive, err := r.Get("archive")
	require.NoError(t, err)

	a, err := pool.Engage(time.Second)
	require.NoError(t, err)
	defer a.Close()
	b, err := archive.Engage(0)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, 1, pool.CheckedOut())
	assert.Equal(t, 1, archive.CheckedOut())
}

func TestRegistryExecuteUpdate(t *testing.T) {
	r, pool := newTestPool(t, 2)
	require.NoError(t, r.Execute("", `
		CREATE TABLE kv (k TEXT PRIMARY KEY, v BLOB NOT NULL);
		INSERT INTO kv (k, v) VALUES ('a', x'01');
		INSERT INTO kv (k, v) VALUES ('b', x'02');
	`))
	n, err := r.Update("", "UPDATE kv SET v = ? WHERE k IN ('a', 'b')", []byte{7})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = r.Update("", "DELETE FROM kv WHERE k = ?", "missing")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, pool.CheckedOut())
}

func TestRegistryCloseInUse(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())
	for _, id := range []string{"one", "two"} {
		p := testParams(t, 1)
		p.ID = id
		require.NoError(t, r.Register(p))
	}
	one, err := r.Get("one")
	require.NoError(t, err)
	two, err := r.Get("two")
	require.NoError(t, err)
	a, err := one.Engage(time.Second)
	require.NoError(t, err)
	b, err := two.Engage(time.Second)
	require.NoError(t, err)

	err = r.Close()
	assert.Len(t, multierr.Errors(err), 2)
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.NoError(t, one.Clear())
	assert.NoError(t, two.Clear())
}

func TestRegistryCloseKeepsBusyPool(t *testing.T) {
	r, pool := newTestPool(t, 1)
	a, err := pool.Engage(time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Close(), ErrStillInUse)
	again, err := r.Get("")
	require.NoError(t, err)
	assert.Same(t, pool, again)
	// the outstanding lease still counts against the limit
	_, err = again.Engage(0)
	assert.ErrorIs(t, err, ErrConnectTimeout)

	require.NoError(t, a.Close())
	assert.Equal(t, 1, pool.Idle())
	require.NoError(t, r.Close())
	assert.Equal(t, 0, pool.Idle())
}
