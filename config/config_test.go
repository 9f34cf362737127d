package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("GRPC_ADDR=:6000\nKAFKA_BROKERS=a:9092, b:9092\nRESYNC_BACKOFF_MAX=3s\n"), 0o600))

	t.Setenv("GRPC_ADDR", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("RESYNC_BACKOFF_MAX", "")
	os.Unsetenv("GRPC_ADDR")
	os.Unsetenv("KAFKA_BROKERS")
	os.Unsetenv("RESYNC_BACKOFF_MAX")

	conf, err := Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, ":6000", conf.GrpcAddr)
	assert.Equal(t, []string{"a:9092", "b:9092"}, conf.KafkaBrokers)
	assert.Equal(t, 3*time.Second, conf.ResyncBackoffMax)
	assert.Equal(t, 100*time.Millisecond, conf.ResyncBackoffMin)
}

func TestLoad_MissingEnvFileIsFine(t *testing.T) {
	conf, err := Load(filepath.Join(t.TempDir(), "absent.env"))

	require.NoError(t, err)
	assert.NotEmpty(t, conf.BinanceStreamEndpoint)
}

func TestFromEnv_DebugForcesDebugLevel(t *testing.T) {
	t.Setenv("DEBUG", "true")
	t.Setenv("LOG_LEVEL", "warn")

	conf, err := FromEnv()
	require.NoError(t, err)

	assert.True(t, DebugMode)
	assert.Equal(t, logrus.DebugLevel, conf.LogLevel)
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"LogLevel", "LOG_LEVEL", "loud"},
		{"Depth", "SNAPSHOT_DEPTH", "many"},
		{"Backoff", "RESYNC_BACKOFF_MIN", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestLoadBooks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
books:
  - provider: binance
    symbol: btc_usdt
  - provider: kucoin
    symbol: eth-usdt
`), 0o600))

	books, err := LoadBooks(path)
	require.NoError(t, err)

	assert.Equal(t, []BookConfig{
		{Provider: "binance", Symbol: "btc_usdt"},
		{Provider: "kucoin", Symbol: "eth-usdt"},
	}, books)
}

func TestLoadBooks_MissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.yaml")
	require.NoError(t, os.WriteFile(path, []byte("books:\n  - provider: binance\n"), 0o600))

	_, err := LoadBooks(path)
	assert.Error(t, err)
}
