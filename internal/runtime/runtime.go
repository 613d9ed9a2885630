// Package runtime wires the scribe process: bus, session controller,
// development recognizer and analyzer, journals, telemetry and HTTP.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/gateway"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/rs/zerolog"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg     config.Config
	logger  zerolog.Logger
	ready   atomic.Bool
	readyCh chan struct{}
	wg      sync.WaitGroup

	controller *session.Controller
	closers    []func() error
}

func New(cfg config.Config, logger zerolog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		readyCh: make(chan struct{}),
	}
}

// Ready is closed once every component is up and the session identity has
// been requested.
func (r *Runtime) Ready() <-chan struct{} { return r.readyCh }

// Controller is valid after Ready.
func (r *Runtime) Controller() *session.Controller { return r.controller }

// Start runs until ctx is cancelled, then shuts components down in reverse
// order of startup.
func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		if cerr := r.shutdown(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTelemetry(shutdownCtx)
	})

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
		r.onClose(func() error { embedded.Shutdown(); return nil })
	}

	busClient, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.onClose(func() error { busClient.Close(); return nil })

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.onClose(store.Close)

	publisher := events.New(r.cfg.Kafka, r.logger)
	r.onClose(publisher.Close)

	checks := []healthCheck{
		{name: "runtime", healthy: r.ready.Load},
		{name: "bus", healthy: busClient.Healthy},
	}

	if r.cfg.STT.Enabled {
		recognizer, err := stt.NewRecognizer(ctx, r.cfg.STT)
		if err != nil {
			return fmt.Errorf("create recognizer: %w", err)
		}
		svc := stt.NewService(ctx, r.cfg.STT, busClient, recognizer, r.logger)
		if err := svc.Start(); err != nil {
			return fmt.Errorf("start stt: %w", err)
		}
		r.onClose(func() error { svc.Close(); return nil })
		checks = append(checks, healthCheck{name: "stt", healthy: svc.Healthy})
	}

	if r.cfg.LLM.Enabled {
		generator, err := llm.NewGenerator(r.cfg.LLM)
		if err != nil {
			return fmt.Errorf("create generator: %w", err)
		}
		library, err := llm.LoadLibrary(r.cfg.LLM.DocumentsDir)
		if err != nil {
			return err
		}
		svc := llm.NewService(ctx, r.cfg.LLM, busClient, generator, library, r.logger)
		if err := svc.Start(); err != nil {
			return fmt.Errorf("start llm: %w", err)
		}
		r.onClose(func() error { svc.Close(); return nil })
		checks = append(checks, healthCheck{name: "llm", healthy: svc.Healthy})
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, localCapabilities(r.cfg), busClient, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.onClose(func() error { registry.Close(); return nil })
	checks = append(checks, healthCheck{name: "presence", healthy: registry.Healthy})

	gw := gateway.New(ctx, busClient, r.logger)
	r.onClose(func() error { gw.Close(); return nil })
	checks = append(checks, healthCheck{name: "gateway", healthy: gw.Healthy})

	controller := session.NewController(ctx, r.cfg.Session, r.cfg.Audio, gw, r.logger,
		session.WithObserver(store),
		session.WithObserver(publisher),
	)
	r.controller = controller
	r.onClose(func() error { controller.Close(); return nil })
	gw.Attach(controller)

	r.goRun("controller", func() error { return controller.Run(ctx) })
	clock := session.Clock{Interval: time.Duration(r.cfg.Session.TickMS) * time.Millisecond}
	r.goRun("clock", func() error { return clock.Run(ctx, controller.Submit) })
	if store.Enabled() {
		r.goRun("prune", func() error { return r.pruneLoop(ctx, store) })
	}

	sessionID, err := gw.Start()
	if err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	a := &api{
		session:  controller,
		timeline: store,
		presence: registry,
		audio:    r.cfg.Audio,
		caption:  r.cfg.Session.CaptionLimit,
		checks:   checks,
		log:      r.logger,
	}
	if r.cfg.Telemetry.PrometheusBind == "" {
		a.metrics = metricsHandler
	} else if metricsHandler != nil {
		r.serve(ctx, "metrics", r.cfg.Telemetry.PrometheusBind, metricsHandler)
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.serve(ctx, "http", addr, newRouter(a))

	r.ready.Store(true)
	close(r.readyCh)
	r.logger.Info().Str("addr", addr).Str("sessionId", sessionID).Msg("runtime started")

	<-ctx.Done()
	r.logger.Info().Msg("runtime stopping")
	return nil
}

// localCapabilities describes what this process serves on the bus.
func localCapabilities(cfg config.Config) []capability.Capability {
	caps := []capability.Capability{{
		Name:       capability.Session,
		Tier:       capability.TierLocal,
		Attributes: map[string]string{"window_ms": fmt.Sprint(cfg.Session.WindowMS)},
	}}
	if cfg.STT.Enabled {
		tier := capability.TierLocal
		if cfg.STT.Mode == "google" {
			tier = capability.TierCloud
		}
		caps = append(caps, capability.Capability{
			Name:       capability.Recognizer,
			Tier:       tier,
			Attributes: map[string]string{"mode": cfg.STT.Mode, "language": cfg.STT.Language},
		})
	}
	if cfg.LLM.Enabled {
		attrs := map[string]string{"mode": cfg.LLM.Mode, "model": cfg.LLM.Model}
		if cfg.LLM.DocumentsDir != "" {
			attrs["documents"] = "true"
		}
		caps = append(caps, capability.Capability{
			Name:       capability.Analyzer,
			Tier:       capability.TierLocal,
			Attributes: attrs,
		})
	}
	return caps
}

func (r *Runtime) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) goRun(name string, fn func() error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error().Err(err).Str("task", name).Msg("background task failed")
		}
	}()
}

func (r *Runtime) serve(ctx context.Context, name, addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error().Err(err).Str("server", name).Msg("http server failed")
		}
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error().Err(err).Str("server", name).Msg("http shutdown error")
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context, store *eventstore.Store) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("event store prune failed")
			}
		}
	}
}

// shutdown waits for background tasks, then releases components last to first.
func (r *Runtime) shutdown() error {
	r.ready.Store(false)
	if r.controller != nil {
		r.controller.Close()
	}
	r.wg.Wait()
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
