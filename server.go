package vkstream

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/httpapi"
	"pkt.systems/vkstream/schema"
)

// Server composes the replay and metrics listeners.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	HTTP        httpapi.Config
	MetricsAddr string
	Processes   []schema.ExecutionProcess
	Recording   httpapi.Recording
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	// Gatherer backs the metrics endpoint. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableReplay  bool
	enableMetrics bool
}

// WithReplay enables the replay HTTP server and recording player.
func WithReplay() ServerOption {
	return func(o *serverOptions) { o.enableReplay = true }
}

// WithMetrics enables the Prometheus listener.
func WithMetrics() ServerOption {
	return func(o *serverOptions) { o.enableMetrics = true }
}

// New constructs a composable vkstream server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableReplay && !options.enableMetrics {
		return nil, errors.New("no services enabled")
	}
	if options.enableMetrics && cfg.MetricsAddr == "" {
		return nil, errors.New("metrics address is required")
	}
	if options.enableReplay && cfg.HTTP.Addr == "" {
		return nil, errors.New("replay address is required")
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	srv := &compositeServer{
		cfg:      cfg,
		options:  options,
		gatherer: gatherer,
	}
	if options.enableReplay {
		srv.hub = httpapi.NewHub(cfg.HTTP.HistorySize)
		srv.procs = httpapi.NewProcessTable(cfg.Processes...)
		srv.httpSrv = httpapi.NewServer(cfg.HTTP, srv.hub, srv.procs)
	}
	return srv, nil
}

type compositeServer struct {
	cfg      ServerConfig
	options  serverOptions
	gatherer prometheus.Gatherer
	hub      *httpapi.Hub
	procs    *httpapi.ProcessTable
	httpSrv  *httpapi.Server
	logger   pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(s.ctx)
	s.group = group
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"replay", s.options.enableReplay,
		"metrics", s.options.enableMetrics,
		"replay_addr", s.cfg.HTTP.Addr,
		"replay_base_path", s.cfg.HTTP.BasePath,
		"metrics_addr", s.cfg.MetricsAddr,
	)
	if s.options.enableReplay {
		group.Go(func() error {
			if err := httpapi.ListenAndServe(gctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("replay server failed", "err", err)
				return err
			}
			return nil
		})
		group.Go(func() error {
			err := httpapi.Play(gctx, s.cfg.Recording, s.hub, s.procs, s.cfg.HTTP.Interval, s.cfg.HTTP.Hold)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("replay failed", "err", err)
				return err
			}
			return nil
		})
	}
	if s.options.enableMetrics {
		handler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
		group.Go(func() error {
			if err := httpapi.ListenAndServe(gctx, s.cfg.MetricsAddr, handler); err != nil {
				log.Error("metrics server failed", "err", err)
				return err
			}
			return nil
		})
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	group := s.group
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}
	err := group.Wait()
	if err != nil {
		pslog.Ctx(s.ctx).Error("server stopped", "err", err)
	}
	s.cancel()
	return err
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}
