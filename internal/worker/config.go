package worker

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultManifest is the application shell cached at install time.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/css/styles.css",
	"/js/app.js",
	"/manifest.json",
}

type Config struct {
	Server struct {
		Port   int    `yaml:"port" validate:"gte=0,lte=65535"`
		Origin string `yaml:"origin" validate:"required,url"`
	} `yaml:"server"`

	Cache struct {
		// Version names the current cache generation. Bumping it is how a
		// deployment invalidates shell assets.
		Version      string   `yaml:"version" validate:"required"`
		Path         string   `yaml:"path" validate:"required"`
		Manifest     []string `yaml:"manifest" validate:"min=1,dive,startswith=/"`
		FrontEntries int      `yaml:"frontEntries" validate:"gte=0"`
		MaxBodySize  ByteSize `yaml:"maxBodySize"`
	} `yaml:"cache"`

	Router struct {
		APIMarker string `yaml:"apiMarker" validate:"required"`
	} `yaml:"router"`

	Network struct {
		Timeout string `yaml:"timeout"`

		timeout time.Duration
	} `yaml:"network"`

	Lifecycle struct {
		SkipWaiting *bool `yaml:"skipWaiting"`
	} `yaml:"lifecycle"`

	Queue struct {
		Backend string `yaml:"backend" validate:"oneof=leveldb redis"`
		Path    string `yaml:"path"`
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"queue"`

	Sync struct {
		Tag           string `yaml:"tag" validate:"required"`
		Endpoint      string `yaml:"endpoint" validate:"startswith=/"`
		ProbePath     string `yaml:"probePath" validate:"startswith=/"`
		ProbeInterval string `yaml:"probeInterval"`

		probeEvery time.Duration
	} `yaml:"sync"`

	Notifications struct {
		Root  string `yaml:"root"`
		Icon  string `yaml:"icon"`
		Badge string `yaml:"badge"`
	} `yaml:"notifications"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format" validate:"omitempty,oneof=text json"`
		Output        string `yaml:"output"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Metrics struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig parses YAML config, applies defaults and validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Queue.Backend == "redis" && cfg.Queue.Redis.Addr == "" {
		return Config{}, fmt.Errorf("queue.redis.addr is required for the redis backend")
	}

	var err error
	if cfg.Network.timeout, err = parseDuration(cfg.Network.Timeout); err != nil {
		return Config{}, fmt.Errorf("network.timeout: %w", err)
	}
	if cfg.Sync.probeEvery, err = parseDuration(cfg.Sync.ProbeInterval); err != nil {
		return Config{}, fmt.Errorf("sync.probeInterval: %w", err)
	}
	if cfg.Logging.logStatsEveryDur, err = parseDuration(cfg.Logging.LogStatsEvery); err != nil {
		return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "shoresquad-v1"
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "./data/cache"
	}
	if len(cfg.Cache.Manifest) == 0 {
		cfg.Cache.Manifest = append([]string(nil), DefaultManifest...)
	}
	if cfg.Cache.FrontEntries == 0 {
		cfg.Cache.FrontEntries = 512
	}
	if cfg.Cache.MaxBodySize == 0 {
		cfg.Cache.MaxBodySize = 8 << 20
	}
	if cfg.Router.APIMarker == "" {
		cfg.Router.APIMarker = "/api/"
	}
	if cfg.Network.Timeout == "" {
		cfg.Network.Timeout = "10s"
	}
	if cfg.Lifecycle.SkipWaiting == nil {
		v := true
		cfg.Lifecycle.SkipWaiting = &v
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "leveldb"
	}
	if cfg.Queue.Path == "" {
		cfg.Queue.Path = "./data/queue"
	}
	if cfg.Sync.Tag == "" {
		cfg.Sync.Tag = "sync-cleanups"
	}
	if cfg.Sync.Endpoint == "" {
		cfg.Sync.Endpoint = "/api/cleanups"
	}
	if cfg.Sync.ProbePath == "" {
		cfg.Sync.ProbePath = "/"
	}
	if cfg.Sync.ProbeInterval == "" {
		cfg.Sync.ProbeInterval = "30s"
	}
	if cfg.Notifications.Root == "" {
		cfg.Notifications.Root = "/"
	}
	if cfg.Notifications.Icon == "" {
		cfg.Notifications.Icon = "/assets/icon-192.png"
	}
	if cfg.Notifications.Badge == "" {
		cfg.Notifications.Badge = "/assets/badge-72.png"
	}
	if cfg.Metrics.Enabled == nil {
		v := true
		cfg.Metrics.Enabled = &v
	}
}

// parseDuration accepts "" and "0" as disabled.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// OriginURL returns the parsed origin.
func (c Config) OriginURL() *url.URL {
	u, _ := url.Parse(c.Server.Origin)
	return u
}

func (c Config) NetworkTimeout() time.Duration { return c.Network.timeout }

func (c Config) SkipWaiting() bool { return c.Lifecycle.SkipWaiting == nil || *c.Lifecycle.SkipWaiting }

func (c Config) MetricsEnabled() bool { return c.Metrics.Enabled == nil || *c.Metrics.Enabled }
