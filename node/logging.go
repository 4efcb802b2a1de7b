package node

import (
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the node's operational logger: structured JSON lines
// rotated under cfg.DataDir, independent of the CLI's stdout/stderr
// reporting. Level follows cfg.LogLevel (already validated by
// ValidateConfig); an unrecognized level falls back to info.
func NewLogger(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil {
		level = zerolog.InfoLevel
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.DataDir, "logs", "rubin-node.log"),
		MaxSize:    64, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}

	return zerolog.New(writer).Level(level).With().
		Timestamp().
		Str("network", cfg.Network).
		Logger()
}
