package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"zhengxin-client/internal/api"
	"zhengxin-client/internal/markdown"
)

var (
	generateDataset   string
	generateCompany   string
	generateKnowledge string
	downloadFormat    string
	downloadDir       string
	downloadCompany   string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Операции с отчетом проекта",
}

var reportGetCmd = &cobra.Command{
	Use:   "get <project-id>",
	Short: "Показать финальный отчет в терминале",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := shared.api.GetReport(cmd.Context(), args[0])
		if errors.Is(err, api.ErrReportNotReady) {
			fmt.Println("报告尚未生成 (report not generated yet)")
			return nil
		}
		if err != nil {
			return err
		}
		return renderMarkdown(report.Content)
	},
}

var reportGenerateCmd = &cobra.Command{
	Use:   "generate <project-id>",
	Short: "Запустить генерацию отчета",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := shared.api.GenerateReport(cmd.Context(), api.GenerateRequest{
			DatasetID:     generateDataset,
			CompanyName:   generateCompany,
			KnowledgeName: generateKnowledge,
			ProjectID:     args[0],
		})
		if errors.Is(err, api.ErrAlreadyGenerating) {
			fmt.Println("Генерация уже идет, подключитесь через: zhengxin watch", args[0])
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Генерация запущена (room=%s). Наблюдать: zhengxin watch %s\n", resp.WebsocketRoom, args[0])
		return nil
	},
}

var reportStopCmd = &cobra.Command{
	Use:   "stop <project-id>",
	Short: "Остановить генерацию отчета",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := shared.api.StopGeneration(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Запрос на остановку отправлен")
		return nil
	},
}

var reportDeleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Удалить отчет проекта",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirmOnStdin("确认删除该项目的征信报告？此操作不可恢复 [y/N]: ") {
			fmt.Println("Отменено")
			return nil
		}
		if err := shared.api.DeleteReport(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Отчет удален")
		return nil
	},
}

var reportDownloadCmd = &cobra.Command{
	Use:   "download <project-id>",
	Short: "Скачать отчет (pdf или html)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := shared.api.DownloadReport(cmd.Context(), args[0], downloadFormat, downloadCompany, downloadDir)
		if err != nil {
			return err
		}
		fmt.Println("Сохранено:", path)
		return nil
	},
}

func init() {
	reportGenerateCmd.Flags().StringVar(&generateDataset, "dataset", "", "dataset id")
	reportGenerateCmd.Flags().StringVar(&generateCompany, "company", "", "company name")
	reportGenerateCmd.Flags().StringVar(&generateKnowledge, "knowledge", "", "knowledge base name")
	reportDownloadCmd.Flags().StringVar(&downloadFormat, "format", "pdf", "pdf | html")
	reportDownloadCmd.Flags().StringVar(&downloadDir, "out", ".", "destination directory")
	reportDownloadCmd.Flags().StringVar(&downloadCompany, "company", "", "company name for the default filename")

	reportCmd.AddCommand(reportGetCmd, reportGenerateCmd, reportStopCmd, reportDeleteCmd, reportDownloadCmd)
	rootCmd.AddCommand(reportCmd)
}

// renderMarkdown пропускает текст через сборку фрагментов и рендерит в терминал.
func renderMarkdown(text string) error {
	processed := markdown.Preprocess(text)
	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		// Без рендерера показываем сырой markdown
		fmt.Println(processed)
		return nil
	}
	out, err := renderer.Render(processed)
	if err != nil {
		fmt.Println(processed)
		return nil
	}
	fmt.Print(out)
	return nil
}

func confirmOnStdin(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
