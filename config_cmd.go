package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# Directory holding one sub-directory per episode (YYYY-MM-DD).
episodes_dir: "data/episodes"

# Remote TTS server
server:
  url: "http://192.168.0.134:7849"
  voice: "george_carlin"
  # Per-request timeout. The server queues work, so this is long.
  timeout: "1h"
  status_timeout: "10s"
  # Submissions per second, 0 for unlimited.
  rate: 0

dispatch:
  # Requests in flight at once.
  workers: 25
  max_attempts: 3
  # Wait before the second attempt; doubles after that.
  backoff_base: "2s"

queue:
  poll_interval: "5s"
  # Used by --wait.
  wait_poll_interval: "10s"
  wait_timeout: "30m"
  # Warn when the completed counter stands still this long.
  stall_threshold: "10m"

audio:
  ffmpeg: "ffmpeg"
  ffprobe: "ffprobe"
  # Silence between segments.
  gap: "1s"
  bitrate: "128k"
  # A smaller mono copy is written when episode.mp3 is bigger than this.
  compact_threshold: "15MB"
  compact_bitrate: "96k"
  keep_intermediates: false

# Run history (SQLite). Empty path disables it.
ledger:
  # path: "~/.local/share/episode-tts/ledger.db"
  retention: "720h"

# NATS progress events. Empty url disables them.
events:
  url: ""
  subject_prefix: "episode"

telemetry:
  # otlp_endpoint: "localhost:4317"
  otlp_insecure: false
  # trace_file: "/tmp/episode-tts-traces.json"
  # metrics_addr: ":9464"
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the episode-tts config file",
	Long:    paragraph(fmt.Sprintf("\n%s the episode-tts config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("episode-tts config\nepisode-tts config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		file := configPath()
		if err := ensureConfigFile(file); err != nil {
			return err
		}

		c, err := editor.Cmd("episode-tts", file)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", file)
		return nil
	},
}

// configPath is the file the config command edits: the --config flag,
// then the file viper loaded, then the default location.
func configPath() string {
	if configFile != "" {
		return configFile
	}
	if used := viper.GetViper().ConfigFileUsed(); used != "" {
		return used
	}
	return defaultConfigPath
}

func ensureConfigFile(file string) error {
	if file == "" {
		return errors.New("no configuration path")
	}
	if ext := path.Ext(file); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(file)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
