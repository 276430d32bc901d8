package api

import (
	"errors"
	"fmt"
)

// Типизированные ошибки клиента API. REST-ошибки всегда резолвятся в один из
// этих типов, чтобы вызывающий код ветвился по единообразной форме.
var (
	// ErrReportNotReady — отчет еще не сгенерирован (404 либо has_report=false).
	// Ожидаемое состояние, не тревога: показывается нейтральная заглушка.
	ErrReportNotReady = errors.New("report not generated yet")

	// ErrAlreadyGenerating — бэкенд ответил "正在生成": генерация уже идет.
	// Не ошибка: вызывающий код подключается к существующей сессии.
	ErrAlreadyGenerating = errors.New("report generation already in progress")
)

// APIError — ошибка REST вызова с HTTP статусом и сообщением бэкенда.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error (status %d)", e.Status)
}

// Report — ответ GET /projects/{id}/report.
type Report struct {
	Success     bool   `json:"success"`
	Content     string `json:"content"`
	FilePath    string `json:"file_path"`
	CompanyName string `json:"company_name"`
	HasReport   bool   `json:"has_report"`
	Error       string `json:"error,omitempty"`
}

// ReportHTML — ответ GET /projects/{id}/report/html.
type ReportHTML struct {
	HTMLContent string `json:"html_content"`
	CompanyName string `json:"company_name"`
	FilePath    string `json:"file_path"`
}

// GenerateRequest — тело POST /generate_report.
type GenerateRequest struct {
	DatasetID     string `json:"dataset_id"`
	CompanyName   string `json:"company_name"`
	KnowledgeName string `json:"knowledge_name"`
	ProjectID     string `json:"project_id"`
}

// GenerateResponse — ответ POST /generate_report.
type GenerateResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	WebsocketRoom string `json:"websocket_room,omitempty"`
	TotalChapters int    `json:"total_chapters,omitempty"`
	Error         string `json:"error,omitempty"`
}

// GenerationStatus — ответ GET /projects/{id}/generation_status.
// Единственный авторитетный источник "жива ли генерация" после реконнекта.
type GenerationStatus struct {
	IsGenerating bool `json:"is_generating"`
	Progress     int  `json:"progress"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
