package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pkt.systems/pslog"
	"pkt.systems/vkstream"
	"pkt.systems/vkstream/internal/appconfig"
	"pkt.systems/vkstream/internal/format"
	"pkt.systems/vkstream/internal/metrics"
	"pkt.systems/vkstream/internal/persist"
	"pkt.systems/vkstream/internal/views"
)

// renderer turns a view model into output lines.
type renderer interface {
	Render(model views.Model) []string
}

type outputOptions struct {
	plain   bool
	noColor bool
}

func newRenderer(opts outputOptions) renderer {
	if opts.plain {
		return format.NewPlainRenderer()
	}
	return format.NewStyledRenderer(!opts.noColor && !color.NoColor)
}

type runtimeOptions struct {
	stateDir    string
	metricsAddr string
	noState     bool
}

// loadRuntimeConfig loads the config and applies command-line overrides.
func loadRuntimeConfig(root *rootOptions, opts runtimeOptions) (appconfig.Config, error) {
	cfg, err := appconfig.Load(root.configPath)
	if err != nil {
		return appconfig.Config{}, err
	}
	if strings.TrimSpace(opts.stateDir) != "" {
		cfg.StateDir = opts.stateDir
	}
	if opts.noState {
		cfg.StateDir = ""
	}
	if strings.TrimSpace(opts.metricsAddr) != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	return cfg, nil
}

func openStore(ctx context.Context, dir string) (*persist.Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	return persist.NewStoreWithLogger(dir, pslog.Ctx(ctx))
}

// startMetrics registers the collectors on a private registry and, when addr
// is set, serves them until the returned stop func is called.
func startMetrics(ctx context.Context, addr string) (*metrics.Metrics, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)
	if addr == "" {
		return m, func() {}, nil
	}
	srv, err := vkstream.New(vkstream.ServerConfig{MetricsAddr: addr}, vkstream.ServerDeps{Gatherer: reg}, vkstream.WithMetrics())
	if err != nil {
		return nil, nil, err
	}
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}
	pslog.Ctx(ctx).Info("metrics listening", "addr", addr)
	return m, func() { _ = srv.Stop(context.Background()) }, nil
}

// tailPrinter prints only the lines that changed since the previous frame.
// Lines before the first difference are assumed to be on screen already.
type tailPrinter struct {
	out  io.Writer
	prev []string
}

func (p *tailPrinter) Print(lines []string) error {
	for _, line := range tailLines(p.prev, lines) {
		if _, err := fmt.Fprintln(p.out, line); err != nil {
			return err
		}
	}
	p.prev = append(p.prev[:0], lines...)
	return nil
}

func (p *tailPrinter) Reset() {
	p.prev = nil
}

func tailLines(prev, next []string) []string {
	i := 0
	for i < len(prev) && i < len(next) && prev[i] == next[i] {
		i++
	}
	return next[i:]
}
