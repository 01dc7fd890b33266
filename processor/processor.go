package processor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	Reload   = "reload"
	Shutdown = "shutdown"
)

type Processor struct {
	ForceShutdownTimeout time.Duration // force shutdown timeout
	mu                   sync.Mutex
	rChan                chan os.Signal
	shutOps              map[string]func() error
	reloadOps            map[string]func() error
	shutOnce             sync.Once
	shutErr              error
	done                 chan struct{}
	wg                   sync.WaitGroup
	log                  *zap.SugaredLogger
}

// New creates a processor, timeout bounds the shutdown sequence started by a signal
func New(timeout time.Duration, log *zap.SugaredLogger) *Processor {
	return &Processor{
		ForceShutdownTimeout: timeout,
		rChan:                make(chan os.Signal, 1),
		shutOps:              map[string]func() error{},
		reloadOps:            map[string]func() error{},
		done:                 make(chan struct{}),
		log:                  log,
	}
}

// Run assigns signals and starts processing them in background
func (p *Processor) Run() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	signal.Notify(p.rChan, syscall.SIGHUP)
	ctxReload, cancel := context.WithCancel(context.Background())
	p.wg.Add(2)
	go p.processReloadSignal(ctxReload, stop)
	go p.processStopSignal(ctx, cancel)
}

// processReloadSignal runs Reload operations on every SIGHUP
func (p *Processor) processReloadSignal(ctx context.Context, cancel context.CancelFunc) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.log.Infof("shutdown reload")
			signal.Stop(p.rChan)
			cancel() // stop processStopSignal
			return
		case <-p.rChan:
			if err := p.callProcess(p.ops(Reload), Reload); err != nil {
				p.log.Warnf("reload: %v", err)
			}
		}
	}
}

// processStopSignal runs Shutdown and force exits after ForceShutdownTimeout
func (p *Processor) processStopSignal(ctx context.Context, cancel context.CancelFunc) {
	defer p.wg.Done()
	select {
	case <-ctx.Done():
	case <-p.done:
		cancel()
		return
	}
	tF := time.AfterFunc(p.ForceShutdownTimeout, func() {
		p.log.Warnf("timeout %d ms has been elapsed, force exit", p.ForceShutdownTimeout.Milliseconds())
		os.Exit(1)
	})
	defer tF.Stop()
	if err := p.Shutdown(); err != nil {
		p.log.Errorf("shutdown: %v", err)
	}
	cancel() // stop processReloadSignal
}

func (p *Processor) ops(process string) map[string]func() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.shutOps
	if process == Reload {
		src = p.reloadOps
	}
	ops := make(map[string]func() error, len(src))
	for k, v := range src {
		ops[k] = v
	}
	return ops
}

// callProcess runs all operations concurrently and returns their combined failures
func (p *Processor) callProcess(oper map[string]func() error, process string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	names := make([]string, 0, len(oper))
	for name := range oper {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		name, op := name, oper[name]
		g.Go(func() error {
			if err := op(); err != nil {
				p.log.Warnf("%s %s: failed (%s)", process, name, err.Error())
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				return nil
			}
			p.log.Infof("%s %s: succeeded", process, name)
			return nil
		})
	}
	g.Wait()
	p.log.Infof("%s sequence completed", process)
	return errs
}

// Register registers shutdown and reload operation
func (p *Processor) Register(process, operationName string, operationFunction func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch process {
	case Shutdown:
		p.shutOps[operationName] = operationFunction
	case Reload:
		p.reloadOps[operationName] = operationFunction
	default:
		return fmt.Errorf("%s process unknown", process)
	}
	return nil
}

// Reload runs all reload operations
func (p *Processor) Reload() error {
	return p.callProcess(p.ops(Reload), Reload)
}

// Shutdown runs all shutdown operations once, later calls return the first result
func (p *Processor) Shutdown() error {
	p.shutOnce.Do(func() {
		p.shutErr = p.callProcess(p.ops(Shutdown), Shutdown)
		close(p.done)
	})
	return p.shutErr
}

// Done is closed when the shutdown sequence completes
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

func (p *Processor) Wait() {
	p.wg.Wait()
}
