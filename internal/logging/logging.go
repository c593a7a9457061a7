// Package logging builds the zerolog logger used by the example programs.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls level, output format and optional file rotation.
type Config struct {
	Level      string `env:"CHATLINE_LOG_LEVEL"` // debug, info, warn, error
	JSON       bool   `env:"CHATLINE_LOG_JSON"`
	FilePath   string `env:"CHATLINE_LOG_FILE"` // empty disables file output
	MaxSize    int    // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultConfig returns info-level console logging with no file output.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

// New returns a logger writing to out, and additionally to a rotating file
// when cfg.FilePath is set. The returned closer releases the file.
func New(cfg Config, out io.Writer, component string) (zerolog.Logger, io.Closer) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var console io.Writer = out
	if !cfg.JSON {
		console = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
			PartsOrder: []string{
				zerolog.TimestampFieldName,
				zerolog.LevelFieldName,
				"component",
				zerolog.MessageFieldName,
			},
			FieldsExclude: []string{"component"},
			FormatLevel: func(i interface{}) string {
				return fmt.Sprintf("[ %-5s ]", strings.ToUpper(fmt.Sprintf("%s", i)))
			},
		}
	}

	writers := []io.Writer{console}
	var closer io.Closer = nopCloser{}
	if cfg.FilePath != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		writers = append(writers, file)
		closer = file
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}
	logger := zerolog.New(w).Level(level).With().Timestamp().Str("component", component).Logger()
	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
