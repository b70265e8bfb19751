package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with run and step fields.
type Logger struct {
	zlog    zerolog.Logger
	config  LoggingConfig
	closers []io.Closer
}

// loggerContextKey is the context key for logger instances.
type loggerContextKey struct{}

// NewLogger creates a new logger with the given configuration.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var (
		writer  io.Writer
		closers []io.Closer
	)
	switch cfg.Output {
	case "stdout":
		writer = os.Stdout
	case "", "stderr":
		writer = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		writer = file
		closers = append(closers, file)
	}

	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: getTimeFormat(cfg.TimeFormat),
		}
	}

	// The log file always gets JSON, mirroring the console output.
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		writer = zerolog.MultiLevelWriter(writer, file)
		closers = append(closers, file)
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	zlog := zerolog.New(writer).With().Timestamp().Logger().Level(ParseLevel(cfg.Level))
	if cfg.EnableCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{
		zlog:    zlog,
		config:  cfg,
		closers: closers,
	}, nil
}

// WrapLogger adapts an existing zerolog logger.
func WrapLogger(zlog zerolog.Logger) *Logger {
	return &Logger{zlog: zlog}
}

// Zerolog returns the underlying zerolog logger.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}

// Close releases the log files opened by NewLogger.
func (l *Logger) Close() error {
	var firstErr error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewComponentLogger creates a child logger for a specific component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(l.zlog.With().Str("component", component).Logger())
}

// WithContext adds the logger to the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext retrieves the logger from the context.
// If no logger is found, it returns a logger that discards everything.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.Nop()}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(l.zlog.With().Fields(fields).Logger())
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(l.zlog.With().Interface(key, value).Logger())
}

// WithRunID adds a run_id field to the logger.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.with(l.zlog.With().Str("run_id", runID).Logger())
}

// WithStep adds step and kind fields to the logger.
func (l *Logger) WithStep(step, kind string) *Logger {
	return l.with(l.zlog.With().Str("step", step).Str("kind", kind).Logger())
}

// WithResourceID adds a resource_id field to the logger.
func (l *Logger) WithResourceID(resourceID string) *Logger {
	return l.with(l.zlog.With().Str("resource_id", resourceID).Logger())
}

// WithError adds error information to the logger.
func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err).Logger())
}

func (l *Logger) with(zlog zerolog.Logger) *Logger {
	return &Logger{zlog: zlog, config: l.config}
}

// Debug starts a debug-level event.
func (l *Logger) Debug() *zerolog.Event {
	return l.zlog.Debug()
}

// Info starts an info-level event.
func (l *Logger) Info() *zerolog.Event {
	return l.zlog.Info()
}

// Warn starts a warning-level event.
func (l *Logger) Warn() *zerolog.Event {
	return l.zlog.Warn()
}

// Error starts an error-level event.
func (l *Logger) Error() *zerolog.Event {
	return l.zlog.Error()
}

// ParseLevel converts a string log level to zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// getTimeFormat returns the appropriate time format for console output.
func getTimeFormat(format string) string {
	switch format {
	case "unix":
		return "unix"
	case "unixms":
		return time.StampMilli
	default:
		return time.RFC3339
	}
}
