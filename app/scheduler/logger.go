// Package scheduler runs the background workers: queue delivery, counter rebuilds and the outbox relay
package scheduler

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/amirphl/Mizuchi/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewComponentLogger builds a logger for one background component.
// File output goes to <dir of cfg.FilePath>/<name>.log, rotated by lumberjack.
func NewComponentLogger(cfg config.LoggingConfig, name string) *log.Logger {
	flags := log.LstdFlags | log.Lmicroseconds | log.LUTC
	prefix := name + " "

	if cfg.Output == "stdout" || cfg.FilePath == "" {
		return log.New(os.Stdout, prefix, flags)
	}

	dir := filepath.Dir(cfg.FilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l := log.New(os.Stdout, prefix, flags)
		l.Printf("failed to create log directory %s: %v", dir, err)
		return l
	}
	file := &lumberjack.Logger{
		Filename:   filepath.Join(dir, name+".log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	var w io.Writer = file
	if cfg.Output != "file" {
		w = io.MultiWriter(os.Stdout, file)
	}
	return log.New(w, prefix, flags)
}
