package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/core"
	"pkt.systems/vkstream/internal/apiclient"
	"pkt.systems/vkstream/internal/logx"
	"pkt.systems/vkstream/internal/patchstream"
	"pkt.systems/vkstream/schema"
)

func newAttemptCmd(root *rootOptions) *cobra.Command {
	var rt runtimeOptions
	var out outputOptions
	var cluster bool
	var collapse []string
	cmd := &cobra.Command{
		Use:   "attempt <attempt-id>",
		Short: "Follow the unified log, todos and diffs of a task attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRuntimeConfig(root, rt)
			if err != nil {
				return err
			}
			attemptID := schema.AttemptID(args[0])
			if err := schema.ValidateAttemptID(attemptID); err != nil {
				return err
			}
			log := logx.WithAttempt(cmd.Context(), attemptID)
			ctx := logx.ContextWithAttemptLogger(cmd.Context(), log, attemptID)

			client, err := apiclient.New(cfg.ClientOptions())
			if err != nil {
				return err
			}
			m, stopMetrics, err := startMetrics(ctx, cfg.Metrics.Addr)
			if err != nil {
				return err
			}
			defer stopMetrics()
			store, err := openStore(ctx, cfg.StateDir)
			if err != nil {
				return err
			}

			events := make(chan core.ViewEvent, 1)
			sink := core.EventSinkFunc(func(event core.ViewEvent) {
				for {
					select {
					case events <- event:
						return
					default:
					}
					select {
					case <-events:
					default:
					}
				}
			})
			session, err := core.NewSession(core.SessionConfig{
				PollInterval:   cfg.PollInterval(),
				InitialBackoff: cfg.InitialBackoff(),
				MaxBackoff:     cfg.MaxBackoff(),
				Clustering:     cfg.Views.Cluster.Enabled || cluster,
				ClusterPolicy:  cfg.ClusterPolicy(),
				DiffContext:    cfg.Views.InlineDiffContext,
			}, core.SessionDeps{
				API:       client,
				Dialer:    patchstream.HTTPDialer{Client: client.StreamHTTPClient()},
				Metrics:   m,
				Store:     store,
				EventSink: sink,
				Logger:    log,
			})
			if err != nil {
				return err
			}
			defer session.Close()
			if err := session.Open(ctx, attemptID); err != nil {
				return err
			}
			for _, id := range collapse {
				if err := session.Toggle(schema.ProcessID(id)); err != nil {
					return fmt.Errorf("toggle %s: %w", id, err)
				}
			}

			printer := &tailPrinter{out: cmd.OutOrStdout()}
			render := newRenderer(out)
			var generation uint64
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-session.Done():
					return schema.ErrStopped
				case event := <-events:
					if event.Generation != generation {
						generation = event.Generation
						printer.Reset()
					}
					if err := printer.Print(render.Render(event.Model)); err != nil {
						return err
					}
					pslog.Ctx(ctx).Trace("view rendered", "rows", len(event.Model.Rows), "todos", len(event.Model.Todos.Items))
				}
			}
		},
	}
	cmd.Flags().StringVar(&rt.stateDir, "state-dir", "", "checkpoint directory (overrides state_dir)")
	cmd.Flags().BoolVar(&rt.noState, "no-state", false, "do not load or save checkpoints")
	cmd.Flags().StringVar(&rt.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&out.plain, "plain", false, "plain text output without styles")
	cmd.Flags().BoolVar(&out.noColor, "no-color", false, "disable diff colors")
	cmd.Flags().BoolVar(&cluster, "cluster", false, "merge consecutive assistant messages")
	cmd.Flags().StringSliceVar(&collapse, "toggle", nil, "process ids whose sections start toggled")
	return cmd
}
