package scoutsync

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
		// AccessKey, when set, must be sent as X-API-KEY by local API callers.
		AccessKey string `yaml:"accessKey"`
		// Remote is stamped onto every submitted match.
		Remote bool `yaml:"remote"`
	} `yaml:"server"`

	Storage struct {
		Dir string `yaml:"dir"`
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`

		ramMaxBytes int64
	} `yaml:"storage"`

	Servers []ServerConfig `yaml:"servers"`

	Queue struct {
		Concurrency int    `yaml:"concurrency"`
		Interval    string `yaml:"interval"`
		RateLimit   int    `yaml:"rateLimit"`
		Timeout     string `yaml:"timeout"`
		Fanout      int    `yaml:"fanout"`

		intervalDur time.Duration
		timeoutDur  time.Duration
	} `yaml:"queue"`

	Cache struct {
		TTL map[string]string `yaml:"ttl"`

		ttls map[QueryKind]time.Duration
	} `yaml:"cache"`

	Resubmit struct {
		Every string `yaml:"every"`

		everyDur time.Duration
	} `yaml:"resubmit"`

	Ping struct {
		Every string `yaml:"every"`

		everyDur time.Duration
	} `yaml:"ping"`

	Images struct {
		Dir string `yaml:"dir"`
	} `yaml:"images"`

	Warmup struct {
		Events       []string `yaml:"events"`
		Every        string   `yaml:"every"`
		InitialDelay string   `yaml:"initialDelay"`

		everyDur        time.Duration
		initialDelayDur time.Duration
	} `yaml:"warmup"`

	Codec struct {
		Compression Compression `yaml:"compression"`
	} `yaml:"codec"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		File          string `yaml:"file"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes yaml, applies defaults and compiles every duration.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64MiB"
	}
	n, err := humanize.ParseBytes(cfg.Storage.RAM.Max)
	if err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	cfg.Storage.ramMaxBytes = int64(n)

	for i := range cfg.Servers {
		cfg.Servers[i].Domain = strings.TrimRight(strings.TrimSpace(cfg.Servers[i].Domain), "/")
		if cfg.Servers[i].Domain == "" {
			return fmt.Errorf("servers[%d].domain is required", i)
		}
	}

	q := &cfg.Queue
	if q.Concurrency <= 0 {
		q.Concurrency = 4
	}
	if q.RateLimit < 0 {
		return fmt.Errorf("queue.rateLimit must not be negative")
	}
	if q.RateLimit == 0 {
		q.RateLimit = 10
	}
	if q.Fanout <= 0 {
		q.Fanout = 8
	}
	if q.intervalDur, err = parseDurationDefault(q.Interval, time.Second); err != nil {
		return fmt.Errorf("queue.interval: %w", err)
	}
	if q.timeoutDur, err = parseDurationDefault(q.Timeout, 10*time.Second); err != nil {
		return fmt.Errorf("queue.timeout: %w", err)
	}
	if q.intervalDur <= 0 || q.timeoutDur <= 0 {
		return fmt.Errorf("queue.interval and queue.timeout must be positive")
	}

	cfg.Cache.ttls = defaultTTLs()
	for name, v := range cfg.Cache.TTL {
		kind := QueryKind(name)
		if _, ok := cfg.Cache.ttls[kind]; !ok {
			return fmt.Errorf("cache.ttl.%s: unknown query kind", name)
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("cache.ttl.%s: %w", name, err)
		}
		cfg.Cache.ttls[kind] = d
	}

	if cfg.Resubmit.everyDur, err = parseDurationDefault(cfg.Resubmit.Every, 0); err != nil {
		return fmt.Errorf("resubmit.every: %w", err)
	}
	if cfg.Ping.everyDur, err = parseDurationDefault(cfg.Ping.Every, time.Minute); err != nil {
		return fmt.Errorf("ping.every: %w", err)
	}
	if cfg.Images.Dir == "" {
		cfg.Images.Dir = "./assets/uploads"
	}
	if cfg.Warmup.everyDur, err = parseDurationDefault(cfg.Warmup.Every, 0); err != nil {
		return fmt.Errorf("warmup.every: %w", err)
	}
	if cfg.Warmup.initialDelayDur, err = parseDurationDefault(cfg.Warmup.InitialDelay, 0); err != nil {
		return fmt.Errorf("warmup.initialDelay: %w", err)
	}

	if cfg.Codec.Compression == "" {
		cfg.Codec.Compression = CompressionBrotli
	}
	if _, err := NewCodec(cfg.Codec.Compression); err != nil {
		return fmt.Errorf("codec.compression: %w", err)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.logStatsEveryDur, err = parseDurationDefault(cfg.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// QueueConfig returns the compiled queue tuning.
func (cfg Config) QueueConfig() QueueConfig {
	return QueueConfig{
		Concurrency: cfg.Queue.Concurrency,
		Interval:    cfg.Queue.intervalDur,
		RateLimit:   cfg.Queue.RateLimit,
		Timeout:     cfg.Queue.timeoutDur,
		Fanout:      cfg.Queue.Fanout,
	}
}

// TTL is the freshness window for a query kind.
func (cfg Config) TTL(kind QueryKind) time.Duration {
	if d, ok := cfg.Cache.ttls[kind]; ok {
		return d
	}
	return defaultTTLs()[kind]
}
