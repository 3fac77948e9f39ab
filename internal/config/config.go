package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/mitchellh/mapstructure"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	ListenPort  int    `mapstructure:"listen_port"`
	RPCAddr     string `mapstructure:"rpc_addr"`
	DownloadDir string `mapstructure:"download_dir"`
	SessionDir  string `mapstructure:"session_dir"`

	MaxOpenFiles   int `mapstructure:"max_open_files"`
	MaxOpenSockets int `mapstructure:"max_open_sockets"`
	MaxPeers       int `mapstructure:"max_peers"`
	MaxRequests    int `mapstructure:"max_requests"`
	DiskWorkers    int `mapstructure:"disk_workers"`

	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PeerTimeout    time.Duration `mapstructure:"peer_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Keepalive      time.Duration `mapstructure:"keepalive"`

	UploadSlots   int           `mapstructure:"upload_slots"`
	ChokeInterval time.Duration `mapstructure:"choke_interval"`
	Sequential    bool          `mapstructure:"sequential"`

	// bytes per second, 0 for unlimited
	UploadRate   int `mapstructure:"upload_rate"`
	DownloadRate int `mapstructure:"download_rate"`

	LogLevel string `mapstructure:"log_level"`
}

func Default() Config {
	return Config{
		ListenPort:     6881,
		RPCAddr:        "127.0.0.1:9091",
		DownloadDir:    "downloads",
		SessionDir:     ".gtorrentd",
		MaxOpenFiles:   64,
		MaxOpenSockets: 256,
		MaxPeers:       50,
		MaxRequests:    30,
		DiskWorkers:    4,
		PollInterval:   time.Second,
		PeerTimeout:    3 * time.Minute,
		RequestTimeout: 30 * time.Second,
		Keepalive:      time.Minute,
		UploadSlots:    5,
		ChokeInterval:  10 * time.Second,
		LogLevel:       "info",
	}
}

// Load reads the YAML file at path over the defaults. An empty path yields
// the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, err
	}

	if err := decoder.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.ListenPort < 0 || c.ListenPort > 65535:
		return fmt.Errorf("%w: listen_port %d out of range", ErrInvalid, c.ListenPort)
	case c.MaxOpenFiles < 1:
		return fmt.Errorf("%w: max_open_files must be positive", ErrInvalid)
	case c.MaxOpenSockets < 1:
		return fmt.Errorf("%w: max_open_sockets must be positive", ErrInvalid)
	case c.MaxPeers < 1:
		return fmt.Errorf("%w: max_peers must be positive", ErrInvalid)
	case c.MaxRequests < 1:
		return fmt.Errorf("%w: max_requests must be positive", ErrInvalid)
	case c.DiskWorkers < 1:
		return fmt.Errorf("%w: disk_workers must be positive", ErrInvalid)
	case c.UploadSlots < 1:
		return fmt.Errorf("%w: upload_slots must be positive", ErrInvalid)
	case c.UploadRate < 0 || c.DownloadRate < 0:
		return fmt.Errorf("%w: rates cannot be negative", ErrInvalid)
	case c.PollInterval <= 0 || c.PeerTimeout <= 0 || c.RequestTimeout <= 0 || c.Keepalive <= 0 || c.ChokeInterval <= 0:
		return fmt.Errorf("%w: durations must be positive", ErrInvalid)
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

// Level maps log_level to a slog level.
func (c Config) Level() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}

	return slog.LevelInfo, fmt.Errorf("%w: unknown log_level %q", ErrInvalid, c.LogLevel)
}
