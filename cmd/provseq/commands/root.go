package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/openfroyo/provseq/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	logLevel      string
	logFormat     string
	logFile       string
	metricsAddr   string
	traceExporter string
	traceEndpoint string
	jsonOutput    bool

	buildVersion = "dev"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode maps a command error to the process exit code: 2 when resources
// may have been left behind, 1 otherwise.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "provseq",
		Short: "provseq - provisioning sequencer with rollback",
		Long: `provseq creates cloud resources in a fixed order, waits for each to become
ready and, when anything fails, deletes everything it created in reverse order.

Workflows are YAML or CUE files. Steps use native AWS EC2 providers or
arbitrary shell commands, and are checked by Rego policies before a run.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
	}

	defaultLevel := os.Getenv("LOG_LEVEL")
	if defaultLevel == "" {
		defaultLevel = "info"
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&logLevel, "log-level", defaultLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	flags.StringVar(&logFile, "log-file", "", "also write JSON logs to this file")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during a run")
	flags.StringVar(&traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	flags.StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP collector endpoint")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// telemetryConfig builds the telemetry configuration from the global flags.
func telemetryConfig() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	cfg.Logging.File = logFile
	cfg.Metrics.ListenAddress = metricsAddr
	cfg.Tracing.Exporter = traceExporter
	cfg.Tracing.Enabled = traceExporter != "" && traceExporter != "none"
	cfg.Tracing.Endpoint = traceEndpoint
	// Events are read back by the journal, which needs them in order.
	cfg.Events.EnableAsync = false
	return cfg
}

// startTelemetry creates the telemetry stack and returns a context carrying
// it, plus a function that flushes and stops everything.
func startTelemetry(ctx context.Context) (context.Context, *telemetry.Telemetry, func(), error) {
	tel, err := telemetry.NewTelemetry(telemetryConfig())
	if err != nil {
		return ctx, nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	server := tel.Metrics.StartMetricsServer(tel.Logger)
	if server != nil {
		log.Info().Str("addr", metricsAddr).Msg("Serving metrics")
	}

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := telemetry.StopMetricsServer(shutdownCtx, server); err != nil {
			log.Warn().Err(err).Msg("Failed to stop metrics server")
		}
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush telemetry")
		}
	}
	return tel.WithContext(ctx), tel, stop, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
