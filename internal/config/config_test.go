package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	cfg, err := Load(writeConfig(t, "environment: development\n"))
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.HTTP.Port)
	assert.Equal(t, []string{"http://localhost:9200"}, cfg.Elasticsearch.Addresses)
	assert.Equal(t, "parsedmarc-aggregate", cfg.Elasticsearch.IndexPrefix)
	assert.Equal(t, 20, cfg.Dashboard.DefaultPageSize)
	assert.Equal(t, 100, cfg.Dashboard.MaxPageSize)
	assert.Equal(t, 7, cfg.Dashboard.TimelineLookbackDays)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 300, cfg.Cache.TTL)
	assert.False(t, cfg.Kafka.Enabled)
	assert.False(t, cfg.Realtime.Simulator.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	viper.Reset()
	cfg, err := Load(writeConfig(t, `
environment: production
server:
  http:
    port: 8080
elasticsearch:
  addresses:
    - http://es1:9200
    - http://es2:9200
  index_prefix: test-parsedmarc-aggregate
dashboard:
  timeline_lookback_days: 30
`))
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.HTTP.Port)
	assert.Len(t, cfg.Elasticsearch.Addresses, 2)
	assert.Equal(t, "test-parsedmarc-aggregate", cfg.Elasticsearch.IndexPrefix)
	assert.Equal(t, 30, cfg.Dashboard.TimelineLookbackDays)
}

func TestLegacyEnvOverrides(t *testing.T) {
	viper.Reset()
	t.Setenv("ELASTICSEARCH_HOST", "es.internal")
	t.Setenv("ELASTICSEARCH_PORT", "9201")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("KAFKA_BROKERS", "kafka1:9092,kafka2:9092")

	cfg, err := Load(writeConfig(t, "environment: development\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"http://es.internal:9201"}, cfg.Elasticsearch.Addresses)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.True(t, cfg.Kafka.Enabled, "setting brokers should enable the consumer")
	assert.Equal(t, []string{"kafka1:9092", "kafka2:9092"}, cfg.Kafka.Brokers)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	viper.Reset()
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.HTTP.Port)
}
