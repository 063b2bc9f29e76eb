package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/capability"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/modelcache"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/speakerdb"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	traceOut    io.Writer
	ready       atomic.Bool
	wg          sync.WaitGroup
	closers     []func()

	// metricsLn is set when metrics have their own listener.
	metricsLn     net.Listener
	metricsServer *http.Server

	bus      *bus.Client
	stt      *stt.Service
	registry *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		traceOut: os.Stderr,
	}
}

// onStop registers a cleanup run in reverse order when Start returns.
func (r *Runtime) onStop(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) stop() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) Start(ctx context.Context) error {
	defer r.stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger, r.traceOut)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown
	stt.SetLogLevel(r.cfg.Telemetry.BackendLogLevel)

	if err := r.startServices(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if tel.metrics != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			if err := r.serveMetrics(bind, tel.metrics); err != nil {
				return err
			}
		} else {
			mux.Handle("/metrics", tel.metrics)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.stop()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// serveMetrics exposes /metrics on a dedicated listener.
func (r *Runtime) serveMetrics(bind string, handler http.Handler) error {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("listen for metrics on %s: %w", bind, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	r.metricsLn = ln
	r.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	r.onStop(func() { _ = r.metricsServer.Close() })

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("metrics listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// startServices brings up the bus, stores, models and the stt service.
func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if ns != nil {
		r.onStop(ns.Shutdown)
		busCfg.Servers = []string{ns.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.onStop(r.bus.Close)

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.onStop(func() { _ = store.Close() })
	r.schedulePrune(ctx, store)

	if r.cfg.STT.Enabled {
		if err := r.startSTT(ctx, store); err != nil {
			return err
		}
	}

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, capability.FromConfig(r.cfg), r.bus, r.logger)
	if err != nil {
		return err
	}
	r.onStop(r.registry.Close)
	return nil
}

// startSTT loads models and starts the transcription service.
func (r *Runtime) startSTT(ctx context.Context, store *eventstore.Store) error {
	models, err := modelcache.New(r.cfg.STT.ModelCacheSize, r.logger, stt.WithLogger(r.logger))
	if err != nil {
		return err
	}
	r.onStop(models.Close)

	// Load the default model up front so a bad path fails startup.
	if path := r.cfg.STT.ModelPath; path != "" {
		model, err := models.Get(path)
		if err != nil {
			return err
		}
		_ = model.Close()
	}

	deps := stt.ServiceDeps{Bus: r.bus, Models: models, Store: store, Logger: r.logger}
	if path := r.cfg.STT.SpeakerModelPath; path != "" {
		spk, err := stt.LoadSpeakerModel(path, stt.WithLogger(r.logger))
		if err != nil {
			return err
		}
		r.onStop(func() { _ = spk.Close() })
		deps.Speaker = spk
	}
	if r.cfg.Speakers.Enabled {
		db, err := speakerdb.Open(speakerdb.Options{
			Dir:       r.cfg.Speakers.Path,
			Threshold: r.cfg.Speakers.MatchThreshold,
			Logger:    r.logger,
		})
		if err != nil {
			return err
		}
		r.onStop(func() { _ = db.Close() })
		deps.Speakers = db
	}

	r.stt = stt.NewService(ctx, r.cfg.STT, deps)
	if err := r.stt.Start(); err != nil {
		return err
	}
	r.onStop(r.stt.Close)
	return nil
}

func (r *Runtime) schedulePrune(ctx context.Context, store *eventstore.Store) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.Prune(ctx); err != nil {
					r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Ready reports whether the runtime is serving and its dependencies are
// healthy.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() || !r.bus.Healthy() || !r.registry.Healthy() {
		return false
	}
	return r.stt == nil || r.stt.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
