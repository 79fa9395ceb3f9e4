package main

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/vkstream"
	"pkt.systems/vkstream/httpapi"
	"pkt.systems/vkstream/schema"
)

func newReplayCmd() *cobra.Command {
	var cfg httpapi.Config
	var processesPath string
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "replay <recording.jsonl>",
		Short: "Serve a recorded patch stream session over the backend HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := pslog.Ctx(cmd.Context())
			rec, err := httpapi.LoadRecordingFile(args[0])
			if err != nil {
				return err
			}
			var procs []schema.ExecutionProcess
			if strings.TrimSpace(processesPath) != "" {
				procs, err = httpapi.LoadProcessesFile(processesPath)
				if err != nil {
					return err
				}
			}
			gin.SetMode(gin.ReleaseMode)
			opts := []vkstream.ServerOption{vkstream.WithReplay()}
			if metricsAddr != "" {
				opts = append(opts, vkstream.WithMetrics())
			}
			srv, err := vkstream.New(vkstream.ServerConfig{
				HTTP:        cfg,
				MetricsAddr: metricsAddr,
				Processes:   procs,
				Recording:   rec,
			}, vkstream.ServerDeps{Gatherer: prometheus.DefaultGatherer}, opts...)
			if err != nil {
				return err
			}
			log.Info("replay serving", "addr", cfg.Addr, "records", len(rec.Records), "streams", len(rec.Streams()), "processes", len(procs))
			if err := srv.Start(cmd.Context()); err != nil {
				return err
			}
			return srv.Wait()
		},
	}
	cmd.Flags().StringVar(&cfg.Addr, "addr", "127.0.0.1:3001", "listen address")
	cmd.Flags().StringVar(&cfg.BasePath, "base-path", "", "serve the API under this path prefix")
	cmd.Flags().IntVar(&cfg.HistorySize, "history", 10000, "batches retained per stream for resume")
	cmd.Flags().DurationVar(&cfg.Interval, "interval", 250*time.Millisecond, "delay between recorded batches (0 publishes all at once)")
	cmd.Flags().BoolVar(&cfg.Hold, "hold", false, "keep streams open after the recording ends")
	cmd.Flags().StringVar(&processesPath, "processes", "", "JSON file with execution process records")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}
