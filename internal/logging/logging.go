package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"camrelay/internal/config"
)

// New builds the root logger. When cfg.File is set, output goes to a rotated
// file (the SD card is small); otherwise to stdout. The returned closer
// flushes the rotated file and is a no-op for stdout.
func New(cfg config.LogConfig) (zerolog.Logger, io.Closer) {
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error parsing log level %q, defaulting to info\n", cfg.Level)
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out, closer = lj, lj
	}

	if console(cfg.Format, cfg.File) {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.StampMilli,
			NoColor:    cfg.File != "",
		}
	}

	logger := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return logger, closer
}

func console(format, file string) bool {
	switch format {
	case "console":
		return true
	case "json":
		return false
	}
	if file != "" {
		return false
	}
	info, err := os.Stdout.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
