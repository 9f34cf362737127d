package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var DebugMode = false

type BookConfig struct {
	Provider string `yaml:"provider"`
	Symbol   string `yaml:"symbol"`
}

type Config struct {
	LogLevel    logrus.Level
	GrpcAddr    string
	MetricsAddr string

	AvailableProviders []string
	SnapshotDepth      int
	ResyncBackoffMin   time.Duration
	ResyncBackoffMax   time.Duration

	BinanceStreamEndpoint string
	BinanceWsAPIEndpoint  string

	KucoinBaseURL    string
	KucoinAPIKey     string
	KucoinSecretKey  string
	KucoinPassphrase string

	KafkaBrokers     []string
	KafkaStatusTopic string

	Books []BookConfig
}

// Load reads the optional .env files and then the environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	return FromEnv()
}

func FromEnv() (*Config, error) {
	DebugMode = getBool("DEBUG", false)

	level, err := logrus.ParseLevel(getString("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	if DebugMode {
		level = logrus.DebugLevel
	}

	depth, err := getInt("SNAPSHOT_DEPTH", 1000)
	if err != nil {
		return nil, err
	}
	backoffMin, err := getDuration("RESYNC_BACKOFF_MIN", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	backoffMax, err := getDuration("RESYNC_BACKOFF_MAX", 10*time.Second)
	if err != nil {
		return nil, err
	}

	conf := &Config{
		LogLevel:    level,
		GrpcAddr:    getString("GRPC_ADDR", ":50051"),
		MetricsAddr: getString("METRICS_ADDR", ":8080"),

		AvailableProviders: getList("AVAILABLE_PROVIDERS", []string{"binance", "kucoin"}),
		SnapshotDepth:      depth,
		ResyncBackoffMin:   backoffMin,
		ResyncBackoffMax:   backoffMax,

		BinanceStreamEndpoint: getString("BINANCE_STREAM_ENDPOINT", "wss://stream.binance.com:9443/stream"),
		BinanceWsAPIEndpoint:  getString("BINANCE_WS_API_ENDPOINT", "wss://ws-api.binance.com:443/ws-api/v3"),

		KucoinBaseURL:    getString("KUCOIN_BASE_URL", ""),
		KucoinAPIKey:     os.Getenv("KUCOIN_API_KEY"),
		KucoinSecretKey:  os.Getenv("KUCOIN_SECRET_KEY"),
		KucoinPassphrase: os.Getenv("KUCOIN_PASSPHRASE"),

		KafkaBrokers:     getList("KAFKA_BROKERS", nil),
		KafkaStatusTopic: getString("KAFKA_STATUS_TOPIC", "orderbook-status"),
	}

	if path := os.Getenv("BOOKS_FILE"); path != "" {
		books, err := LoadBooks(path)
		if err != nil {
			return nil, err
		}
		conf.Books = books
	}

	return conf, nil
}

// LoadBooks reads the YAML list of books to start at boot:
//
//	books:
//	  - provider: binance
//	    symbol: btc_usdt
func LoadBooks(path string) ([]BookConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read books file: %w", err)
	}

	var file struct {
		Books []BookConfig `yaml:"books"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse books file %s: %w", path, err)
	}

	for i, b := range file.Books {
		if b.Provider == "" || b.Symbol == "" {
			return nil, fmt.Errorf("books file %s: entry %d needs provider and symbol", path, i)
		}
	}

	return file.Books, nil
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return dur, nil
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}

	var result []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}
