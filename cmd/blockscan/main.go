// Command blockscan lists the ids of published posts whose content contains a
// block marker, resuming from its last checkpoint after a failure.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	scanapp "github.com/ahrav/blockscan/internal/app/scan"
	"github.com/ahrav/blockscan/internal/config"
	"github.com/ahrav/blockscan/internal/domain/scan"
	"github.com/ahrav/blockscan/pkg/common/logger"
	"github.com/ahrav/blockscan/pkg/common/otel"
)

const serviceName = "blockscan"

// Process exit codes.
const (
	exitOK      = 0
	exitFatal   = 1
	exitInvalid = 2
)

func main() {
	_, _ = maxprocs.Set()
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args, time.Now())
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitInvalid
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitInvalid
	}
	if cfg.PrintConfig {
		if err := cfg.WriteYAML(stdout); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFatal
		}
		return exitOK
	}

	req, err := cfg.Request()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitInvalid
	}

	runID := uuid.NewString()
	log := newLogger(cfg, runID, stderr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	hostname, _ := os.Hostname()
	providers, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
			"blockscan.job":    cfg.Job,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		return exitFatal
	}
	defer telemetryTeardown(context.WithoutCancel(ctx))

	tracer := providers.Tracer.Tracer(serviceName)
	metrics, err := scanapp.NewMetrics(providers.Meter)
	if err != nil {
		log.Error(ctx, "failed to create metrics", "error", err)
		return exitFatal
	}

	deps, err := setup(ctx, cfg, runID, stdout, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to set up stores", "error", err)
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}
	defer deps.Close(log)

	scanner := scanapp.NewScanner(deps.checkpoints, deps.records, deps.reporter, log, tracer,
		scanapp.WithPolicy(cfg.Policy()),
		scanapp.WithJob(cfg.Job),
		scanapp.WithMetrics(metrics),
		scanapp.WithRunID(runID),
	)

	summary, err := scanner.Run(ctx, req)
	if cfg.Dev {
		if raw, jerr := json.Marshal(summary); jerr == nil {
			log.Debug(ctx, "run summary", "summary", string(raw))
		}
	}
	return exitCode(ctx, log, stderr, summary, err)
}

// exitCode logs the outcome of a run and maps it to the process status.
func exitCode(ctx context.Context, log *logger.Logger, stderr io.Writer, summary scan.Summary, err error) int {
	switch {
	case err == nil:
		return exitOK

	case errors.Is(err, scan.ErrInvalidArgument):
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitInvalid

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Warn(ctx, "scan stopped before completion; the next run resumes from the last checkpoint",
			"last_id", summary.LastID,
			"total_found", summary.TotalFound,
			"error", err,
		)
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintln(stderr, "The run deadline expired; raise --timeout or set it to 0.")
		}
		return exitFatal

	default:
		log.Error(ctx, "scan failed", "last_id", summary.LastID, "retries", summary.Retries, "error", err)
		fmt.Fprintf(stderr, "Error executing query: %v\n", err)
		return exitFatal
	}
}

func newLogger(cfg *config.Config, runID string, w io.Writer) *logger.Logger {
	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }
	metadata := map[string]string{
		"app":    serviceName,
		"job":    cfg.Job,
		"run_id": runID,
	}
	level := logger.ParseLevel(cfg.Log.Level)
	if cfg.Log.Format == "text" {
		return logger.NewText(w, level, serviceName, traceIDFn, metadata)
	}
	return logger.NewWithMetadata(w, level, serviceName, traceIDFn, logger.Events{}, metadata)
}
