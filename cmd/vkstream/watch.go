package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/internal/apiclient"
	"pkt.systems/vkstream/internal/appconfig"
	"pkt.systems/vkstream/internal/logx"
	"pkt.systems/vkstream/internal/patchstream"
	"pkt.systems/vkstream/internal/reconcile"
	"pkt.systems/vkstream/internal/views"
	"pkt.systems/vkstream/schema"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var rt runtimeOptions
	var out outputOptions
	var raw bool
	cmd := &cobra.Command{
		Use:   "watch <process-id>",
		Short: "Stream the normalized logs of one execution process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRuntimeConfig(root, rt)
			if err != nil {
				return err
			}
			processID := schema.ProcessID(args[0])
			if err := schema.ValidateProcessID(processID); err != nil {
				return err
			}
			log := pslog.Ctx(cmd.Context()).With("process", processID)
			ctx := pslog.ContextWithLogger(logx.ContextWithProcess(cmd.Context(), processID), log)

			client, err := apiclient.New(cfg.ClientOptions())
			if err != nil {
				return err
			}
			proc, err := client.GetProcess(ctx, processID)
			if err != nil {
				return fmt.Errorf("lookup process %s: %w", processID, err)
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

			opts := watchStreamOptions(ctx, cfg, client, proc)
			name := opts.Name
			opts.Metrics = m
			opts.Logger = logx.WithStream(log, name)
			if store != nil {
				cp, ok, err := store.Load(name)
				if err != nil {
					log.Warn("checkpoint ignored", "err", err)
				}
				if ok && cp.Kind == schema.DocumentConversation {
					opts.ResumeCursor = cp.Cursor
					opts.ResumeDocument = cp.Document
					log.Info("resuming from checkpoint", "cursor", cp.Cursor)
				}
				opts.Checkpoint = store.Saver(name, schema.DocumentConversation)
			}
			stream, err := reconcile.NewStream(opts)
			if err != nil {
				return err
			}
			snaps, unsubscribe := stream.Subscribe()
			defer unsubscribe()
			if err := stream.Start(ctx); err != nil {
				return err
			}
			defer stream.Stop()

			printer := &tailPrinter{out: cmd.OutOrStdout()}
			render := newRenderer(out)
			var todos views.TodoState
			show := func(snap reconcile.Snapshot) error {
				if raw {
					if len(snap.Data) == 0 {
						return nil
					}
					return printer.Print([]string{string(snap.Data)})
				}
				model, next, err := processModel(proc, snap.Data, todos, cfg.Views.InlineDiffContext)
				if err != nil {
					log.Warn("conversation decode failed", "err", err)
					return nil
				}
				todos = next
				return printer.Print(render.Render(model))
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-stream.Done():
					if err := show(stream.Current()); err != nil {
						return err
					}
					log.Info("stream finished", "cursor", stream.Cursor())
					return nil
				case snap, ok := <-snaps:
					if !ok {
						return nil
					}
					if snap.Error != "" {
						log.Warn("stream error", "err", snap.Error)
					}
					if err := show(snap); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&rt.stateDir, "state-dir", "", "checkpoint directory (overrides state_dir)")
	cmd.Flags().BoolVar(&rt.noState, "no-state", false, "do not load or save checkpoints")
	cmd.Flags().StringVar(&rt.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&out.plain, "plain", false, "plain text output without styles")
	cmd.Flags().BoolVar(&out.noColor, "no-color", false, "disable diff colors")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the reconciled document as JSON")
	return cmd
}

func watchStreamOptions(ctx context.Context, cfg appconfig.Config, client *apiclient.Client, proc schema.ExecutionProcess) reconcile.StreamOptions {
	status := &processStatus{ctx: ctx, lookup: client.GetProcess, id: proc.ID, status: proc.Status}
	return reconcile.StreamOptions{
		Name:           "conversation/" + string(proc.ID),
		Kind:           schema.DocumentConversation,
		URL:            client.NormalizedLogsURL(proc.ID),
		Dialer:         patchstream.HTTPDialer{Client: client.StreamHTTPClient()},
		InitialBackoff: cfg.InitialBackoff(),
		MaxBackoff:     cfg.MaxBackoff(),
		Running:        status.Running,
	}
}

// processStatus refreshes a process's status each time its stream
// disconnects. A failed lookup keeps the last known status.
type processStatus struct {
	ctx    context.Context
	lookup func(context.Context, schema.ProcessID) (schema.ExecutionProcess, error)
	id     schema.ProcessID

	mu     sync.Mutex
	status schema.ProcessStatus
}

func (p *processStatus) Running() bool {
	proc, err := p.lookup(p.ctx, p.id)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		pslog.Ctx(p.ctx).Warn("process status refresh failed", "status", p.status, "err", err)
	} else {
		p.status = proc.Status
	}
	return p.status == schema.StatusRunning
}

// processModel renders a single process document as a view model. The
// process is shown even when it would be excluded from the unified log.
func processModel(proc schema.ExecutionProcess, data json.RawMessage, prev views.TodoState, diffContext int) (views.Model, views.TodoState, error) {
	var values []schema.PatchValue
	if len(data) > 0 {
		conv, err := schema.DecodeConversation(data)
		if err != nil {
			return views.Model{}, prev, err
		}
		values = conv.Entries
	}
	entries := make([]schema.LogEntry, 0, len(values)+1)
	entries = append(entries, schema.LogEntry{
		ProcessID: proc.ID,
		Channel:   schema.ChannelProcessStart,
		Timestamp: proc.StartedAt,
	})
	for i, value := range values {
		entries = append(entries, schema.LogEntry{
			ProcessID: proc.ID,
			Channel:   schema.ChannelFor(value),
			Sequence:  i + 1,
			Timestamp: proc.StartedAt,
			Payload:   value,
		})
	}
	todos := views.ExtractTodos(prev, entries)
	model := views.Build(views.BuildInput{
		Entries:     entries,
		Processes:   []schema.ExecutionProcess{proc},
		Collapse:    views.NewCollapseState(),
		DiffContext: diffContext,
		Todos:       todos,
	})
	return model, todos, nil
}
