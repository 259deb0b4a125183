// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"hlsgrab/internal/config"
)

// Setup applies level, formatter and output from cfg. When a log file is
// configured, entries go to stderr and to a rotating file.
func Setup(cfg config.Log, debug bool) (io.Closer, error) {
	level := log.InfoLevel
	if cfg.Level != "" {
		parsed, err := log.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		level = parsed
	}
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if cfg.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	fileWriter := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, fileWriter))
	log.WithField("file", cfg.File).Debug("logging to file")

	return fileWriter, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
