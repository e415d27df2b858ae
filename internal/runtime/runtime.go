// Package runtime assembles a scribe node from configuration and runs it
// until its context is cancelled.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/ingest"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/server"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	recognizer stt.Recognizer
	manager    *session.Manager
	ingest     *ingest.Service
	presence   *presence.Registry
	addr       atomic.Value
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// ParseLevel maps a configured log level onto slog. Unknown values fall back
// to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Start brings up every component, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.Shutdown

	if err := r.startComponents(ctx); err != nil {
		r.stop()
		return err
	}

	srv := server.New(r.cfg, r.manager, r.serverOptions(tel.metrics), r.logger)
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.stop()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if r.store != nil {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("recognizer", r.cfg.Recognizer.Mode),
		slog.Bool("bus", r.bus != nil))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.stop()
	return nil
}

// Addr returns the HTTP listen address once the runtime has started.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

func (r *Runtime) startComponents(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	recognizer, err := stt.New(ctx, r.cfg.Recognizer, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create recognizer: %w", err)
	}
	r.recognizer = recognizer
	r.manager = session.NewManager(recognizer, store, r.cfg.Capture, r.logger)

	if !r.cfg.Bus.Enabled {
		return nil
	}

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = busClient

	r.ingest = ingest.NewService(ctx, r.cfg, busClient, r.manager)
	if err := r.ingest.Start(); err != nil {
		return fmt.Errorf("failed to start ingest: %w", err)
	}

	self := protocol.NodeAnnouncement{
		Backend:    r.cfg.Recognizer.Mode,
		Language:   r.cfg.Recognizer.Language,
		SampleRate: r.cfg.Recognizer.SampleRate,
	}
	registry, err := presence.NewRegistry(ctx, r.cfg.Node, self, r.manager, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start presence: %w", err)
	}
	r.presence = registry
	return nil
}

func (r *Runtime) serverOptions(metrics http.Handler) server.Options {
	opts := server.Options{
		Store:   r.store,
		Metrics: metrics,
		Ready:   r.isReady,
	}
	if r.presence != nil {
		opts.Nodes = func() any { return r.presence.Nodes() }
	}
	return opts
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus == nil {
		return true
	}
	return r.bus.Healthy() && r.ingest.Healthy()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("failed to prune event store", slog.String("error", err.Error()))
			}
		}
	}
}

// stop tears components down in reverse start order. It tolerates a partial
// start.
func (r *Runtime) stop() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.manager != nil {
		r.manager.Shutdown()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.ingest != nil {
		r.ingest.Close()
	}
	r.wg.Wait()
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.recognizer != nil {
		if err := r.recognizer.Close(); err != nil {
			r.logger.Warn("recognizer close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
