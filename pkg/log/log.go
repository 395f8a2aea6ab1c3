package log

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	// LogVerbosityInfo is the verbosity level for info logging.
	LogVerbosityInfo = 0
	// LogVerbosityDebug is the verbosity level for debug logging.
	LogVerbosityDebug = 2
	// LogVerbosityTrace is the verbosity level for trace logging.
	LogVerbosityTrace = 9

	// LogFormatText is the text log format.
	LogFormatText = "text"
	// LogFormatJSON is the json log format.
	LogFormatJSON = "json"
)

type logCtxKeyType struct{}

var logCtxKey logCtxKeyType

// ErrLogOutputRequired is returned when the log output is left empty.
var ErrLogOutputRequired = errors.New("a log output is required")

type invalidLogFormatError struct {
	format string
}

func (e invalidLogFormatError) Error() string {
	return fmt.Sprintf("unknown log format %q, want text or json", e.format)
}

// Config represents the logging configuration.
type Config struct {
	// Verbosity specifies the logging verbosity level.
	Verbosity int
	// Format specifies the logging output format.
	Format string
	// Output specifies the destination for logging, stderr and stdout
	// or a file path.
	Output string
}

// Configure applies the supplied config to the standard logger.
func Configure(cfg *Config) error {
	configureVerbosity(cfg)

	if err := configureFormatter(cfg); err != nil {
		return fmt.Errorf("configuring log formatter: %w", err)
	}

	if err := configureOutput(cfg); err != nil {
		return fmt.Errorf("configuring log output: %w", err)
	}

	return nil
}

// AddFlagsToCommand adds the logging flags to the supplied command.
func AddFlagsToCommand(cmd *cobra.Command, cfg *Config) {
	cmd.PersistentFlags().IntVarP(&cfg.Verbosity,
		"verbosity",
		"v",
		LogVerbosityInfo,
		"The verbosity level of the logging. A level of 2 and above is debug logging. A level of 9 and above is tracing.")

	cmd.PersistentFlags().StringVar(&cfg.Format,
		"log-format",
		LogFormatText,
		"The format of the logging output. Can be 'text' or 'json'.")

	cmd.PersistentFlags().StringVar(&cfg.Output,
		"log-output",
		"stderr",
		"The output for logging. Supply a file path or one of the special values 'stdout' and 'stderr'.")
}

// GetLogger returns the logger entry from the supplied context, falling back
// to the standard logger.
func GetLogger(ctx context.Context) *logrus.Entry {
	logger, ok := ctx.Value(logCtxKey).(*logrus.Entry)
	if !ok {
		return logrus.NewEntry(logrus.StandardLogger())
	}

	return logger
}

// WithLogger attaches the logger entry to the context.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, logCtxKey, logger)
}

func configureVerbosity(cfg *Config) {
	switch {
	case cfg.Verbosity >= LogVerbosityTrace:
		logrus.SetLevel(logrus.TraceLevel)
	case cfg.Verbosity >= LogVerbosityDebug:
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func configureFormatter(cfg *Config) error {
	switch strings.ToLower(cfg.Format) {
	case LogFormatText:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case LogFormatJSON:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return invalidLogFormatError{format: cfg.Format}
	}

	return nil
}

func configureOutput(cfg *Config) error {
	switch cfg.Output {
	case "":
		return ErrLogOutputRequired
	case "stderr":
		logrus.SetOutput(os.Stderr)
	case "stdout":
		logrus.SetOutput(os.Stdout)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file %s: %w", cfg.Output, err)
		}
		logrus.SetOutput(file)
	}

	return nil
}
