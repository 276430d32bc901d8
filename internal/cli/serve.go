package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"zhengxin-client/internal/preview"
	"zhengxin-client/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve [project-id...]",
	Short: "Локальный статусный сервер: живое состояние, предпросмотр, метрики",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store := newStore(&shared)
		defer store.Close()

		sock := newSocket(&shared)
		defer sock.Close()
		if err := sock.Connect(ctx); err != nil {
			shared.log.Warn().Err(err).Msg("Live transport unavailable at startup, reconnecting in background")
		}

		// По контроллеру на каждый наблюдаемый проект
		controllers := make([]*preview.Controller, 0, len(args))
		for _, projectID := range args {
			ctrl := preview.NewController(preview.Options{
				ProjectID: projectID,
				API:       shared.api,
				Store:     store,
				Socket:    sock,
				Logger:    shared.log,
			})
			ctrl.Open(ctx)
			controllers = append(controllers, ctrl)
		}
		defer func() {
			for _, ctrl := range controllers {
				ctrl.Close()
			}
		}()

		srv := server.New(shared.cfg.Server, store, shared.log)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Run() }()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-quit:
			shared.log.Info().Msg("Shutdown signal received")
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
