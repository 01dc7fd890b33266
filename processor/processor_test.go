package processor

import (
	"context"
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Caller struct {
	calls atomic.Int32
}

func (c *Caller) Count() error {
	c.calls.Add(1)
	return nil
}

func (c *Caller) Fail() error {
	return fmt.Errorf("operation failed")
}

func TestProcessStopSignal(t *testing.T) {
	c := &Caller{}
	p := New(time.Minute, zap.NewNop().Sugar())
	require.NoError(t, p.Register(Shutdown, "count", c.Count))
	require.NoError(t, p.Register(Shutdown, "failed", c.Fail))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.wg.Add(1)
	p.processStopSignal(ctx, cancel)
	assert.Equal(t, int32(1), c.calls.Load())
	select {
	case <-p.Done():
	default:
		t.Fatal("shutdown not marked done")
	}
}

func TestProcessReloadSignal(t *testing.T) {
	c := &Caller{}
	p := New(time.Minute, zap.NewNop().Sugar())
	require.NoError(t, p.Register(Reload, "count", c.Count))
	require.NoError(t, p.Register(Reload, "failed", c.Fail))
	ctx, cancel := context.WithCancel(context.Background())
	tf := time.AfterFunc(time.Second, cancel)
	defer tf.Stop()
	signal.Notify(p.rChan, syscall.SIGHUP)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))
	p.wg.Add(1)
	p.processReloadSignal(ctx, func() {})
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestShutdownOnce(t *testing.T) {
	c := &Caller{}
	p := New(time.Minute, zap.NewNop().Sugar())
	require.NoError(t, p.Register(Shutdown, "count", c.Count))
	require.NoError(t, p.Register(Shutdown, "first", c.Fail))
	require.NoError(t, p.Register(Shutdown, "second", c.Fail))
	err := p.Shutdown()
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, err, p.Shutdown())
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestRunStopsAfterShutdown(t *testing.T) {
	p := New(time.Minute, zap.NewNop().Sugar())
	p.Run()
	require.NoError(t, p.Shutdown())
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("signal processing still running")
	}
}

func TestProcessRegister(t *testing.T) {
	c := &Caller{}
	p := New(time.Minute, zap.NewNop().Sugar())
	assert.NoError(t, p.Register(Reload, "count", c.Count))
	assert.NoError(t, p.Register(Shutdown, "count", c.Count))
	assert.Error(t, p.Register("foo", "count", c.Count))
	assert.NoError(t, p.Reload())
	assert.Equal(t, int32(1), c.calls.Load())
}
