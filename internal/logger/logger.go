package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config содержит настройки для логгера.
type Config struct {
	Level  string // Уровень логирования (debug, info, warn, error)
	Format string // Формат вывода (json или console)
}

// New создает новый экземпляр zerolog.Logger на основе конфигурации.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out = os.Stdout
	logger := zerolog.New(out)
	if strings.ToLower(cfg.Format) == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly})
	}

	return logger.Level(level).With().Timestamp().Logger()
}
