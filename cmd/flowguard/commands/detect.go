// Package commands implements the flowguard subcommands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hed1ad/flowguard/internal/config"
	"github.com/hed1ad/flowguard/internal/logging"
	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/detectors/online"
	"github.com/hed1ad/flowguard/pkg/features"
	"github.com/hed1ad/flowguard/pkg/flow"
	flowio "github.com/hed1ad/flowguard/pkg/io"
	"github.com/hed1ad/flowguard/pkg/io/jsonl"
	"github.com/hed1ad/flowguard/pkg/io/lines"
	"github.com/hed1ad/flowguard/pkg/io/pcap"
	"github.com/hed1ad/flowguard/pkg/metrics"
)

type detectOptions struct {
	configPath string

	trees           int
	threshold       float64
	bufferSize      int
	retrainInterval int
	subsampleSize   int
	seed            int64
	asyncRetrain    bool

	input          string
	pcapFile       string
	idleTimeout    time.Duration
	output         string
	statusInterval int
	metricsAddr    string
	logLevel       string
	logFormat      string
}

// NewDetectCommand creates the detect command
func NewDetectCommand() *cobra.Command {
	o := &detectOptions{}

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect anomalous flows",
		Long: `Read flow records, train on the first --buffer-size of them and report every
later record whose anomaly score exceeds --threshold. The model is rebuilt
from the most recent --buffer-size records every --retrain-interval records.

Reports are printed to stderr and appended to --output as JSON lines.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.config(cmd.Flags())
			if err != nil {
				return err
			}
			return runDetect(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}

	o.addFlags(cmd.Flags())
	return cmd
}

func (o *detectOptions) addFlags(flags *pflag.FlagSet) {
	def := config.Default()

	flags.StringVar(&o.configPath, "config", "", "YAML configuration file; flags override its values")

	flags.IntVar(&o.trees, "trees", def.Detector.NTrees, "Number of isolation trees")
	flags.Float64Var(&o.threshold, "threshold", def.Detector.Threshold, "Anomaly score threshold in [0, 1]")
	flags.IntVar(&o.bufferSize, "buffer-size", def.Detector.BufferSize, "Training window size")
	flags.IntVar(&o.retrainInterval, "retrain-interval", def.Detector.RetrainInterval, "Scored events between retrains")
	flags.IntVar(&o.subsampleSize, "subsample-size", def.Detector.SubsampleSize, "Samples per isolation tree")
	flags.Int64Var(&o.seed, "seed", def.Detector.RandomSeed, "Random seed")
	flags.BoolVar(&o.asyncRetrain, "async-retrain", def.Detector.AsyncRetrain, "Retrain in the background while scoring continues")

	flags.StringVar(&o.input, "input", def.Input.Path, `Flow record file, "-" for stdin`)
	flags.StringVar(&o.pcapFile, "pcap", def.Input.PCAP, "Read flows from a pcap or pcapng capture instead")
	flags.DurationVar(&o.idleTimeout, "idle-timeout", def.Input.IdleTimeoutDuration(), "Close capture flows idle for this long")
	flags.StringVarP(&o.output, "output", "o", def.Output.Path, "File anomaly reports are appended to")
	flags.IntVar(&o.statusInterval, "status-interval", def.Output.StatusInterval, "Print a status line every N records, 0 disables")
	flags.StringVar(&o.metricsAddr, "metrics-addr", def.Metrics.Addr, "Serve Prometheus metrics on this address")
	flags.StringVar(&o.logLevel, "log-level", def.Logging.Level, "Log level (debug, info, warn, error)")
	flags.StringVar(&o.logFormat, "log-format", def.Logging.Format, "Log format (console, json)")
}

// config loads the configuration file, if any, and applies explicitly set
// flags on top of it.
func (o *detectOptions) config(flags *pflag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, err
		}
	}

	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("trees", func() { cfg.Detector.NTrees = o.trees })
	set("threshold", func() { cfg.Detector.Threshold = o.threshold })
	set("buffer-size", func() { cfg.Detector.BufferSize = o.bufferSize })
	set("retrain-interval", func() { cfg.Detector.RetrainInterval = o.retrainInterval })
	set("subsample-size", func() { cfg.Detector.SubsampleSize = o.subsampleSize })
	set("seed", func() { cfg.Detector.RandomSeed = o.seed })
	set("async-retrain", func() { cfg.Detector.AsyncRetrain = o.asyncRetrain })
	set("input", func() { cfg.Input.Path = o.input })
	set("pcap", func() { cfg.Input.PCAP = o.pcapFile })
	set("idle-timeout", func() { cfg.Input.IdleTimeout = o.idleTimeout.String() })
	set("output", func() { cfg.Output.Path = o.output })
	set("status-interval", func() { cfg.Output.StatusInterval = o.statusInterval })
	set("metrics-addr", func() { cfg.Metrics.Addr = o.metricsAddr })
	set("log-level", func() { cfg.Logging.Level = o.logLevel })
	set("log-format", func() { cfg.Logging.Format = o.logFormat })

	if err := cfg.Resolve(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runDetect(ctx context.Context, cfg config.Config, out io.Writer) error {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []online.Option{online.WithLogger(logger.Named("detector"))}
	if cfg.Metrics.Addr != "" {
		recorder := metrics.NewRecorder()
		opts = append(opts, online.WithObserver(recorder))
		shutdown := serveMetrics(cfg.Metrics.Addr, recorder, logger)
		defer shutdown()
	}

	detector, err := online.New(cfg.Detector, opts...)
	if err != nil {
		return err
	}

	reader, source, err := openReader(cfg, logger)
	if err != nil {
		return err
	}
	defer reader.Close()

	var writer flowio.ReportWriter
	writer, err = jsonl.Open(cfg.Output.Path)
	if err != nil {
		return err
	}
	defer writer.Close()

	printBanner(out, cfg, source)

	records, err := reader.Stream(ctx)
	if err != nil {
		return err
	}

	var processed int
	runErr := detector.Run(ctx, records, func(_ flow.Record, report *detectors.AnomalyReport) error {
		if report != nil {
			printAnomaly(out, report)
			if err := writer.Write(report); err != nil {
				logger.Warn("failed to write report", zap.String("id", report.ID), zap.Error(err))
			}
		}

		processed++
		if cfg.Output.StatusInterval > 0 && processed%cfg.Output.StatusInterval == 0 {
			printStatus(out, detector)
		}
		return nil
	})

	printSummary(out, detector)

	if err := reader.Err(); err != nil {
		return fmt.Errorf("read %s: %w", source, err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func openReader(cfg config.Config, logger *zap.Logger) (flowio.RecordReader, string, error) {
	if cfg.Input.PCAP != "" {
		r, err := pcap.NewFileReader(cfg.Input.PCAP,
			pcap.WithIdleTimeout(cfg.Input.IdleTimeoutDuration()),
			pcap.WithLogger(logger.Named("pcap")),
		)
		if err != nil {
			return nil, "", fmt.Errorf("open capture: %w", err)
		}
		return r, cfg.Input.PCAP, nil
	}

	r, err := lines.Open(cfg.Input.Path, lines.WithLogger(logger.Named("input")))
	if err != nil {
		return nil, "", fmt.Errorf("open input: %w", err)
	}
	source := cfg.Input.Path
	if source == "-" {
		source = "stdin"
	}
	return r, source, nil
}

func serveMetrics(addr string, recorder *metrics.Recorder, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
}

func printBanner(w io.Writer, cfg config.Config, source string) {
	d := cfg.Detector
	fmt.Fprintln(w, "flowguard: Isolation Forest flow anomaly detection")
	fmt.Fprintf(w, "Trees: %d | Threshold: %g | Buffer: %d | Retrain every: %d\n",
		d.NTrees, d.Threshold, d.BufferSize, d.RetrainInterval)
	fmt.Fprintf(w, "Input: %s\n", source)
	fmt.Fprintf(w, "Output: %s\n\n", cfg.Output.Path)
}

func printAnomaly(w io.Writer, r *detectors.AnomalyReport) {
	fmt.Fprintf(w, "[ANOMALY] %s %s:%d -> %s:%d %s bytes=%d duration=%gs score=%.4f threshold=%g\n",
		r.Timestamp.Format(time.RFC3339), r.SrcIP, r.SrcPort, r.DstIP, r.DstPort,
		r.Protocol, r.Bytes, r.Duration, r.Score, r.Threshold)

	names := features.Names()
	fields := make([]string, 0, len(r.Features))
	for i, v := range r.Features {
		if i < len(names) {
			fields = append(fields, fmt.Sprintf("%s=%g", names[i], v))
		}
	}
	fmt.Fprintf(w, "          features: %s\n", strings.Join(fields, " "))
}

func printStatus(w io.Writer, d *online.Detector) {
	state := "buffering"
	if d.IsTrained() {
		state = "detecting"
	}
	fmt.Fprintf(w, "[STATUS] events=%d anomalies=%d state=%s model=v%d\n",
		d.TotalEvents(), d.TotalAnomalies(), state, d.ModelVersion())
}

func printSummary(w io.Writer, d *online.Detector) {
	events, anomalies := d.TotalEvents(), d.TotalAnomalies()
	var rate float64
	if events > 0 {
		rate = float64(anomalies) / float64(events) * 100
	}
	fmt.Fprintf(w, "\nProcessed %d events, %d anomalies (%.2f%%), %d retrains\n",
		events, anomalies, rate, d.Retrains())
}
