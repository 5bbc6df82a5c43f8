package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
)

// logConfig is read from the environment only, before flags and config
// are parsed.
type logConfig struct {
	Debug  bool   `env:"EPISODE_TTS_DEBUG"`
	File   string `env:"EPISODE_TTS_LOG_FILE"`
	Format string `env:"EPISODE_TTS_LOG_FORMAT" envDefault:"text"`
}

func getLogFilePath() (string, error) {
	dir, err := gap.NewScope(gap.User, appName).CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appName+".log"), nil
}

func setupLog() (func() error, error) {
	cfg, err := env.ParseAs[logConfig]()
	if err != nil {
		return nil, fmt.Errorf("error parsing log config: %w", err)
	}

	log.SetReportTimestamp(true)
	log.SetLevel(log.InfoLevel)
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	switch cfg.Format {
	case "json":
		log.SetFormatter(log.JSONFormatter)
	case "logfmt":
		log.SetFormatter(log.LogfmtFormatter)
	case "text", "":
		log.SetFormatter(log.TextFormatter)
	default:
		return nil, fmt.Errorf("unknown log format %q: use text, json or logfmt", cfg.Format)
	}

	noop := func() error { return nil }
	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return noop, nil
	}

	path := cfg.File
	if path == "default" {
		if path, err = getLogFilePath(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f.Close, nil
}
