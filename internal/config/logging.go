package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger builds the CLI logger: text to stderr, plus JSON to log.file when set.
// The returned cleanup closes the file.
func (c *Config) SetupLogger(stderr io.Writer) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	if c.Log.File == "" {
		return slog.New(stderrHandler), func() error { return nil }, nil
	}
	file, err := os.OpenFile(c.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Fall back to stderr-only if the file cannot be opened
		logger := slog.New(stderrHandler)
		logger.Warn("failed to open log file, using stderr only", "error", err, "file", c.Log.File)
		return logger, func() error { return nil }, nil
	}
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler)), file.Close, nil
}

// SetupLoggerWithWriters fans out to custom writers (for testing).
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
}
