package log

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	LogVerbosityInfo  = 0
	LogVerbosityDebug = 1
	LogVerbosityTrace = 2

	FormatText = "text"
	FormatJSON = "json"

	OutputStdout = "stdout"
	OutputStderr = "stderr"
)

type loggerCtxKey struct{}

// Config holds the logging configuration.
type Config struct {
	// Verbosity is the log verbosity, 0 is info and higher numbers are more verbose.
	Verbosity int
	// Format is the output format, text or json.
	Format string
	// Output is stdout, stderr or a path to a file.
	Output string
}

// Configure sets up the standard logrus logger from the supplied config.
func Configure(cfg *Config) error {
	if cfg.Output == "" {
		return ErrLogOutputRequired
	}

	switch {
	case cfg.Verbosity < LogVerbosityInfo || cfg.Verbosity > LogVerbosityTrace:
		return invalidVerbosityError{verbosity: cfg.Verbosity}
	case cfg.Verbosity == LogVerbosityTrace:
		logrus.SetLevel(logrus.TraceLevel)
	case cfg.Verbosity == LogVerbosityDebug:
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	switch cfg.Format {
	case FormatJSON:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case FormatText:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return invalidLogFormatError{format: cfg.Format}
	}

	out, err := openOutput(cfg.Output)
	if err != nil {
		return err
	}

	logrus.SetOutput(out)

	return nil
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case OutputStdout:
		return os.Stdout, nil
	case OutputStderr:
		return os.Stderr, nil
	}

	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", output, err)
	}

	return file, nil
}

// AddFlagsToCommand will add the logging flags to the supplied command.
func AddFlagsToCommand(cmd *cobra.Command, cfg *Config) {
	cmd.PersistentFlags().IntVarP(&cfg.Verbosity,
		"verbosity",
		"v",
		LogVerbosityInfo,
		"The verbosity level of the logging. The level is in the range 0 (info) to 2 (trace).")

	cmd.PersistentFlags().StringVar(&cfg.Format,
		"log-format",
		FormatText,
		"The format of the log output. Accepted values: text, json.")

	cmd.PersistentFlags().StringVar(&cfg.Output,
		"log-output",
		OutputStderr,
		"The output for logs. Accepted values: stdout, stderr or a file path.")
}

// WithLogger returns a new context with the supplied logger attached.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// GetLogger returns the logger from the context, or the standard logger if
// none was attached.
func GetLogger(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerCtxKey{}).(*logrus.Entry); ok {
			return logger
		}
	}

	return logrus.NewEntry(logrus.StandardLogger())
}
