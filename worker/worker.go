package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rarydzu/sectorfs/connpool"
	"github.com/rarydzu/sectorfs/processor"
	"github.com/rarydzu/sectorfs/sectorfs"
	"github.com/rarydzu/sectorfs/sectorfs/config"
	"github.com/rarydzu/sectorfs/sectorfs/store"
	"go.uber.org/zap"
)

type Worker struct {
	active bool
	sync.RWMutex
	Processor *processor.Processor
	log       *zap.SugaredLogger
	cfg       *config.Config
	registry  *connpool.Registry
	metrics   *connpool.Metrics
	promReg   *prometheus.Registry
	store     *store.Store
	driver    *sectorfs.Driver
	server    *http.Server
}

func New(cfg *config.Config, log *zap.SugaredLogger) (*Worker, error) {
	w := &Worker{
		log:     log,
		cfg:     &config.Config{},
		metrics: connpool.NewMetrics(),
		promReg: prometheus.NewRegistry(),
	}
	if err := copier.CopyWithOption(w.cfg, cfg, copier.Option{DeepCopy: true}); err != nil {
		return nil, err
	}
	if err := w.cfg.Validate(); err != nil {
		return nil, err
	}
	if err := w.metrics.Register(w.promReg); err != nil {
		return nil, err
	}
	w.registry = connpool.NewRegistry(log,
		connpool.WithMetrics(w.metrics),
		connpool.WithEngageTimeout(w.cfg.Driver.EngageTimeout))
	for _, pc := range w.cfg.Pools {
		var p connpool.Params
		if err := copier.Copy(&p, &pc); err != nil {
			return nil, err
		}
		if err := w.registry.Register(p); err != nil {
			return nil, err
		}
	}
	w.store = store.New(w.registry, w.cfg.Driver, log)
	w.driver = sectorfs.New(log)
	return w, nil
}

// Start prepares the sector table, initializes the driver and begins signal processing
func (w *Worker) Start() error {
	w.Lock()
	defer w.Unlock()
	if w.active {
		return fmt.Errorf("worker already active")
	}
	if err := w.store.Init(); err != nil {
		return err
	}
	if err := w.driver.Init(w.store, w.cfg.Driver); err != nil {
		return err
	}
	w.Processor = processor.New(w.cfg.ShutdownTimeout, w.log)
	ops := []struct {
		process, name string
		fn            func() error
	}{
		{processor.Shutdown, "storage", w.closeStorage},
		{processor.Shutdown, "metrics", w.stopMetrics},
		{processor.Reload, "capacity", w.reloadCapacity},
	}
	for _, op := range ops {
		if err := w.Processor.Register(op.process, op.name, op.fn); err != nil {
			return err
		}
	}
	if w.cfg.MetricsAddress != "" {
		w.startMetrics()
	}
	w.active = true
	w.Processor.Run()
	return nil
}

func (w *Worker) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(w.promReg, promhttp.HandlerOpts{}))
	w.server = &http.Server{
		Addr:              w.cfg.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		w.log.Infof("serving metrics on %s", w.cfg.MetricsAddress)
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Errorf("metrics server: %v", err)
		}
	}()
}

// closeStorage closes the driver first, pools are left alone while streams are open
func (w *Worker) closeStorage() error {
	if err := w.driver.Close(); err != nil {
		return err
	}
	return w.registry.Close()
}

func (w *Worker) stopMetrics() error {
	if w.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
	defer cancel()
	return w.server.Shutdown(ctx)
}

func (w *Worker) reloadCapacity() error {
	w.driver.InvalidateUsedBytes()
	used, err := w.driver.GetUsedBytes()
	if err != nil {
		return err
	}
	w.log.Infof("used bytes recomputed: %d of %d", used, w.cfg.Driver.AvailableBytes)
	return nil
}

func (w *Worker) Driver() *sectorfs.Driver {
	return w.driver
}

// Gatherer exposes collected pool metrics
func (w *Worker) Gatherer() prometheus.Gatherer {
	return w.promReg
}

// Stop runs the shutdown sequence, safe to call after a signal already did
func (w *Worker) Stop() error {
	w.RLock()
	p := w.Processor
	w.RUnlock()
	if p == nil {
		return w.registry.Close()
	}
	return p.Shutdown()
}

func (w *Worker) Wait() {
	w.RLock()
	p := w.Processor
	w.RUnlock()
	if p != nil {
		p.Wait()
	}
}
