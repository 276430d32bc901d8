package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// GetReport возвращает финализированный отчет проекта.
// 404 и has_report=false резолвятся в ErrReportNotReady: это ожидаемое
// состояние "еще не сгенерирован", а не ошибка.
func (c *Client) GetReport(ctx context.Context, projectID string) (*Report, error) {
	var report Report
	err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/report", nil, &report)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			c.logger.Info().Str("projectID", projectID).Msg("Report not generated yet")
			return nil, ErrReportNotReady
		}
		return nil, err
	}
	if !report.HasReport {
		c.logger.Info().Str("projectID", projectID).Msg("Report not generated yet")
		return nil, ErrReportNotReady
	}
	return &report, nil
}

// GetReportHTML возвращает отрендеренную HTML версию отчета.
func (c *Client) GetReportHTML(ctx context.Context, projectID string) (*ReportHTML, error) {
	var report ReportHTML
	err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/report/html", nil, &report)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, ErrReportNotReady
		}
		return nil, err
	}
	return &report, nil
}

// DeleteReport удаляет отчет проекта на сервере.
func (c *Client) DeleteReport(ctx context.Context, projectID string) error {
	var resp statusResponse
	if err := c.do(ctx, http.MethodDelete, "/projects/"+projectID+"/report", nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &APIError{Status: http.StatusOK, Message: resp.Error}
	}
	return nil
}

// GenerateReport запускает генерацию отчета.
// Ответ "正在生成" отображается в ErrAlreadyGenerating: генерация уже идет,
// вызывающий код подключается к существующей сессии вместо ошибки.
func (c *Client) GenerateReport(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	var resp GenerateResponse
	err := c.do(ctx, http.MethodPost, "/generate_report", req, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && isAlreadyGenerating(apiErr.Message) {
			return nil, ErrAlreadyGenerating
		}
		return nil, err
	}
	if !resp.Success {
		if isAlreadyGenerating(resp.Error) || isAlreadyGenerating(resp.Message) {
			return nil, ErrAlreadyGenerating
		}
		return nil, &APIError{Status: http.StatusOK, Message: resp.Error}
	}
	return &resp, nil
}

// StopGeneration просит бэкенд остановить генерацию. Запрос совещательный:
// бэкенд может еще какое-то время присылать события после успеха.
func (c *Client) StopGeneration(ctx context.Context, projectID string) error {
	body := map[string]string{"project_id": projectID}
	var resp statusResponse
	if err := c.do(ctx, http.MethodPost, "/stop_report_generation", body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &APIError{Status: http.StatusOK, Message: resp.Error}
	}
	return nil
}

// GetGenerationStatus спрашивает бэкенд, жива ли генерация.
// Используется после реконнекта: события в окне разрыва потеряны.
func (c *Client) GetGenerationStatus(ctx context.Context, projectID string) (*GenerationStatus, error) {
	var status GenerationStatus
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/generation_status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// DownloadReport скачивает отчет в формате pdf или html в каталог destDir.
// Имя файла берется из Content-Disposition, иначе "{company}_征信报告.{ext}".
// Возвращает путь сохраненного файла.
func (c *Client) DownloadReport(ctx context.Context, projectID, format, companyName, destDir string) (string, error) {
	if format != "pdf" && format != "html" {
		return "", fmt.Errorf("unsupported download format %q", format)
	}

	resp, err := c.raw(ctx, http.MethodGet, "/projects/"+projectID+"/report/download-"+format, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.errorFromResponse(resp)
	}

	filename := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if filename == "" {
		if companyName == "" {
			companyName = "project_" + projectID
		}
		filename = fmt.Sprintf("%s_征信报告.%s", companyName, format)
	}

	dest := filepath.Join(destDir, filepath.Base(filename))
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create file %s: %w", dest, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("failed to write report to %s: %w", dest, err)
	}

	c.logger.Info().Str("projectID", projectID).Str("file", dest).Msg("Report downloaded")
	return dest, nil
}

func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func isAlreadyGenerating(msg string) bool {
	if msg == "" {
		return false
	}
	return strings.Contains(msg, "正在生成") || strings.Contains(strings.ToLower(msg), "already generating")
}
