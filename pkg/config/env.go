package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Meesho/BharatMLStack/directio/internal/kernel"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Env struct {
	AppName      string
	AppLogLevel  string
	AppEnv       string
	QueueDepth   int
	Backend      kernel.Backend
	SQPoll       bool
	BlockSize    int
	PollInterval time.Duration
	DataDir      string
	Direct       bool
}

var (
	initialized bool
	once        sync.Once
	instance    Env
	initError   error
)

func Load() (Env, error) {
	depth := 128
	if raw := strings.TrimSpace(os.Getenv("AIO_QUEUE_DEPTH")); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d <= 0 || int64(d) > int64(^uint32(0)) {
			return Env{}, fmt.Errorf("invalid AIO_QUEUE_DEPTH: %q", raw)
		}
		depth = d
	}

	backend, err := kernel.ParseBackend(os.Getenv("AIO_BACKEND"))
	if err != nil {
		return Env{}, fmt.Errorf("invalid AIO_BACKEND: %w", err)
	}

	sqPoll, err := parseBool("AIO_SQPOLL", false)
	if err != nil {
		return Env{}, err
	}

	blockSize := 4096
	if raw := strings.TrimSpace(os.Getenv("AIO_BLOCK_SIZE")); raw != "" {
		b, err := strconv.Atoi(raw)
		if err != nil || b <= 0 || b&(b-1) != 0 {
			return Env{}, fmt.Errorf("invalid AIO_BLOCK_SIZE: %q", raw)
		}
		blockSize = b
	}

	pollInterval := 10 * time.Millisecond
	if raw := strings.TrimSpace(os.Getenv("AIO_POLL_INTERVAL_MS")); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return Env{}, fmt.Errorf("invalid AIO_POLL_INTERVAL_MS: %q", raw)
		}
		pollInterval = time.Duration(ms) * time.Millisecond
	}

	dataDir := strings.TrimSpace(os.Getenv("AIO_DATA_DIR"))
	if dataDir == "" {
		dataDir = os.TempDir()
	}

	direct, err := parseBool("AIO_DIRECT", true)
	if err != nil {
		return Env{}, err
	}

	return Env{
		AppName:      strings.TrimSpace(os.Getenv("APP_NAME")),
		AppLogLevel:  strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")),
		AppEnv:       strings.TrimSpace(os.Getenv("APP_ENV")),
		QueueDepth:   depth,
		Backend:      backend,
		SQPoll:       sqPoll,
		BlockSize:    blockSize,
		PollInterval: pollInterval,
		DataDir:      dataDir,
		Direct:       direct,
	}, nil
}

func parseBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}

func InitEnv() {
	if initialized {
		log.Debug().Msg("Env already initialized!")
		return
	}
	once.Do(func() {
		viper.AutomaticEnv()
		instance, initError = Load()
		if initError != nil {
			log.Panic().Err(initError).Msg("failed to load env")
		}
		initialized = true
		log.Info().
			Int("queue_depth", instance.QueueDepth).
			Str("backend", instance.Backend.String()).
			Int("block_size", instance.BlockSize).
			Str("data_dir", instance.DataDir).
			Bool("direct", instance.Direct).
			Msg("Env initialized!")
	})
}

func Instance() Env {
	InitEnv()
	if initError != nil {
		panic(initError)
	}
	return instance
}
