package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"zhengxin-client/internal/model"
	"zhengxin-client/internal/preview"
)

var watchCmd = &cobra.Command{
	Use:   "watch <project-id>",
	Short: "Наблюдать за живой генерацией отчета",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID := args[0]
		ctx := cmd.Context()

		store := newStore(&shared)
		defer store.Close()

		sock := newSocket(&shared)
		defer sock.Close()
		if err := sock.Connect(ctx); err != nil {
			// Транспорт восстановится сам; до тех пор показываем REST состояние
			shared.log.Warn().Err(err).Msg("Live transport unavailable, falling back to REST state")
		}

		snapshots := make(chan preview.Snapshot, 64)
		ctrl := preview.NewController(preview.Options{
			ProjectID: projectID,
			API:       shared.api,
			Store:     store,
			Socket:    sock,
			Logger:    shared.log,
			Hooks: preview.Hooks{
				OnUpdate: func(snap preview.Snapshot) {
					select {
					case snapshots <- snap:
					default:
					}
				},
			},
		})
		ctrl.Open(ctx)
		defer ctrl.Close()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		printed := 0
		for {
			select {
			case snap := <-snapshots:
				printed = printNewEvents(snap.Stream, printed)
				switch snap.View {
				case preview.ViewFinal:
					fmt.Printf("\n生成完成 (progress %d%%)\n\n", snap.Stream.Progress)
					return renderMarkdown(snap.Content)
				case preview.ViewError:
					fmt.Println("\n生成失败:", snap.ErrorMessage)
					if snap.Content != "" {
						fmt.Println("已生成的部分内容保留:")
						return renderMarkdown(snap.Content)
					}
					return nil
				case preview.ViewEmpty:
					fmt.Println("报告尚未生成 (report not generated yet)")
					return nil
				}
			case <-quit:
				fmt.Println("\nНаблюдение остановлено (генерация продолжается на сервере)")
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	},
}

// printNewEvents печатает еще не показанные строки журнала, возвращает
// новое число показанных.
func printNewEvents(data model.ProjectStreamingData, printed int) int {
	for ; printed < len(data.Events); printed++ {
		ev := data.Events[printed]
		fmt.Printf("[%s] %-24s %s\n", ev.Timestamp, ev.EventType, ev.Content)
	}
	if data.IsGenerating {
		fmt.Printf("\r进度: %d%% (%d/%d 章)", data.Progress, data.CompletedChapters, data.TotalChapters)
		fmt.Println()
	}
	return printed
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
