package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config содержит всю конфигурацию клиента.
type Config struct {
	API    APIConfig
	Socket SocketConfig
	Server ServerConfig
	Stream StreamConfig
	Auth   AuthConfig
	Redis  RedisConfig
	Log    LogConfig
}

// APIConfig содержит настройки REST API кредитной платформы.
type APIConfig struct {
	BaseURL string        `envconfig:"API_BASE_URL" default:"http://localhost:5000/api"`
	Timeout time.Duration `envconfig:"API_TIMEOUT" default:"30s"`
}

// SocketConfig содержит настройки WebSocket транспорта.
type SocketConfig struct {
	URL               string        `envconfig:"SOCKET_URL" default:"ws://localhost:5000/ws"`
	MaxReconnectDelay time.Duration `envconfig:"SOCKET_MAX_RECONNECT_DELAY" default:"30s"`
}

// ServerConfig содержит настройки локального статусного HTTP сервера.
type ServerConfig struct {
	Port         string   `envconfig:"PORT" default:"8085"`
	AllowOrigins []string `envconfig:"CORS_ALLOW_ORIGINS" default:"*"`
}

// StreamConfig содержит настройки хранилища потоковых данных.
type StreamConfig struct {
	// Backend: memory или redis.
	Backend       string        `envconfig:"STREAM_BACKEND" default:"memory"`
	TTL           time.Duration `envconfig:"STREAM_TTL" default:"1h"`
	SweepInterval time.Duration `envconfig:"STREAM_SWEEP_INTERVAL" default:"5m"`
	TotalChapters int           `envconfig:"TOTAL_CHAPTERS" default:"8"`
}

// AuthConfig содержит bearer-токен для REST и WebSocket вызовов.
// Токен задается напрямую или через файл (как секреты в докере).
type AuthConfig struct {
	Token     string `envconfig:"ZHENGXIN_TOKEN"`
	TokenFile string `envconfig:"ZHENGXIN_TOKEN_FILE"`
}

// RedisConfig содержит настройки подключения к Redis (для STREAM_BACKEND=redis).
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// LogConfig содержит настройки логгера.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"console"`
}

// Load загружает конфигурацию из переменных окружения.
// .env файл (если есть) подхватывается для локальной разработки.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}

	if cfg.Stream.TotalChapters <= 0 {
		return nil, fmt.Errorf("TOTAL_CHAPTERS должен быть положительным, получено %d", cfg.Stream.TotalChapters)
	}

	return &cfg, nil
}
