package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, BackendPostgres, cfg.LedgerBackend)
	assert.Equal(t, time.Hour, cfg.Redis.TTL)
	assert.Equal(t, 30*time.Second, cfg.Kafka.MaxBackoff)
	assert.Equal(t, "billing-instructions", cfg.Kafka.InstructionTopic)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", " DynamoDB ")
	t.Setenv("AWS_REGION", "us-west-2")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SNAPSHOT_CACHE_TTL", "5m")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendDynamoDB, cfg.LedgerBackend)
	assert.Equal(t, "us-west-2", cfg.AWS.Region)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Minute, cfg.Redis.TTL)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.NoError(t, cfg.Validate())
	assert.NoError(t, cfg.RequireKafka(cfg.Kafka.InstructionTopic))
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ledger_backend: memory\nhttp_addr: \":9999\"\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_ADDR", ":7000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.LedgerBackend)
	assert.Equal(t, ":7000", cfg.HTTPAddr, "environment wins over file")
}

func TestLoadRejectsBrokenConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ledger_backend: [unterminated"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{LedgerBackend: BackendMemory, Kafka: KafkaConfig{MaxBackoff: time.Second}}
	require.NoError(t, base.Validate())

	unknown := base
	unknown.LedgerBackend = "sqlite"
	assert.ErrorContains(t, unknown.Validate(), "unknown LEDGER_BACKEND")

	dynamo := base
	dynamo.LedgerBackend = BackendDynamoDB
	assert.ErrorContains(t, dynamo.Validate(), "AWS_REGION")

	pg := base
	pg.LedgerBackend = BackendPostgres
	assert.ErrorContains(t, pg.Validate(), "PG_DSN")

	noBackoff := base
	noBackoff.Kafka.MaxBackoff = 0
	assert.Error(t, noBackoff.Validate())

	assert.ErrorContains(t, base.RequireKafka("topic"), "KAFKA_BROKERS")
}
