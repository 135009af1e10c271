package scoutsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./data/leveldb", cfg.Storage.Dir)
	assert.EqualValues(t, 64<<20, cfg.Storage.ramMaxBytes)
	assert.Equal(t, CompressionBrotli, cfg.Codec.Compression)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	q := cfg.QueueConfig()
	assert.Equal(t, QueueConfig{Concurrency: 4, Interval: time.Second, RateLimit: 10, Timeout: 10 * time.Second, Fanout: 8}, q)

	assert.Equal(t, time.Hour, cfg.TTL(QueryEvent))
	assert.Equal(t, 24*time.Hour, cfg.TTL(QueryEvents))
	assert.Equal(t, 10*time.Minute, cfg.TTL(QueryTeamStats))
	assert.Zero(t, cfg.Resubmit.everyDur)
	assert.Equal(t, time.Minute, cfg.Ping.everyDur)
}

func TestParseConfigFull(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  port: 9000
  accessKey: s3cret
  remote: true
storage:
  dir: /var/lib/scoutsync
  ram:
    max: 16MB
servers:
  - domain: https://scout.example.org/
    apiKey: primary-key
    primary: true
    reads: true
    images: true
  - domain: http://10.0.0.5:8080
    apiKey: mirror-key
queue:
  concurrency: 2
  interval: 500ms
  rateLimit: 5
  timeout: 3s
  fanout: 3
cache:
  ttl:
    event: 5m
    accounts: 1h
resubmit:
  every: 2m
codec:
  compression: zstd
logging:
  level: debug
  format: json
  logStatsEvery: 30s
`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.AccessKey)
	assert.True(t, cfg.Server.Remote)
	assert.EqualValues(t, 16_000_000, cfg.Storage.ramMaxBytes)

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "https://scout.example.org", cfg.Servers[0].Domain)
	assert.True(t, cfg.Servers[0].Primary)
	assert.True(t, cfg.Servers[0].SuppliesReads)
	assert.True(t, cfg.Servers[0].SuppliesImages)
	assert.Equal(t, "mirror-key", cfg.Servers[1].APIKey)
	assert.False(t, cfg.Servers[1].SuppliesReads)

	assert.Equal(t, QueueConfig{Concurrency: 2, Interval: 500 * time.Millisecond, RateLimit: 5, Timeout: 3 * time.Second, Fanout: 3}, cfg.QueueConfig())
	assert.Equal(t, 5*time.Minute, cfg.TTL(QueryEvent))
	assert.Equal(t, time.Hour, cfg.TTL(QueryAccounts))
	assert.Equal(t, 24*time.Hour, cfg.TTL(QueryScoutGroups))
	assert.Equal(t, 2*time.Minute, cfg.Resubmit.everyDur)
	assert.Equal(t, CompressionZstd, cfg.Codec.Compression)
	assert.Equal(t, 30*time.Second, cfg.Logging.logStatsEveryDur)
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"bad yaml":       "server: [",
		"ram size":       "storage: {ram: {max: lots}}",
		"empty domain":   "servers: [{domain: ''}]",
		"negative rate":  "queue: {rateLimit: -1}",
		"interval":       "queue: {interval: soon}",
		"zero timeout":   "queue: {timeout: 0s}",
		"unknown ttl":    "cache: {ttl: {gossip: 1m}}",
		"bad ttl":        "cache: {ttl: {event: forever}}",
		"compression":    "codec: {compression: lzma}",
		"resubmit every": "resubmit: {every: often}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scoutsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {port: 7070}\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
