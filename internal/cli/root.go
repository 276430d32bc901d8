// Package cli — командная оболочка клиента кредитных отчетов.
package cli

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"zhengxin-client/internal/api"
	"zhengxin-client/internal/auth"
	"zhengxin-client/internal/config"
	"zhengxin-client/internal/logger"
	"zhengxin-client/internal/stream"
	"zhengxin-client/internal/transport"
)

// app — общие зависимости команд, собираются один раз в PersistentPreRunE.
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	tokens auth.TokenSource
	api    *api.Client
}

var shared app

var rootCmd = &cobra.Command{
	Use:           "zhengxin",
	Short:         "Клиент платформы генерации кредитных отчетов (征信)",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

		shared = app{
			cfg:    cfg,
			log:    log,
			tokens: auth.NewTokenSource(cfg.Auth),
		}
		shared.api = api.NewClient(cfg.API, shared.tokens, log)
		return nil
	},
}

// Execute — входная точка CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newStore создает хранилище по конфигурации: память либо Redis.
func newStore(a *app) stream.Store {
	if a.cfg.Stream.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		return stream.NewRedisStore(client, stream.RedisOptions{
			TTL:           a.cfg.Stream.TTL,
			TotalChapters: a.cfg.Stream.TotalChapters,
			Logger:        a.log,
		})
	}
	return stream.NewMemoryStore(stream.MemoryOptions{
		TTL:           a.cfg.Stream.TTL,
		SweepInterval: a.cfg.Stream.SweepInterval,
		TotalChapters: a.cfg.Stream.TotalChapters,
		Logger:        a.log,
	})
}

// newSocket создает разделяемый сокет процесса.
func newSocket(a *app) *transport.Socket {
	return transport.NewSocket(transport.Options{
		URL:               a.cfg.Socket.URL,
		MaxReconnectDelay: a.cfg.Socket.MaxReconnectDelay,
		Tokens:            a.tokens,
		Logger:            a.log,
	})
}
