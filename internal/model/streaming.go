package model

import (
	"time"
)

// DefaultTotalChapters — количество глав отчёта, если бэкенд не сообщил своё.
// Число глав задаётся воркфлоу на стороне сервера; 8 — значение для текущего
// шаблона кредитного отчёта.
const DefaultTotalChapters = 8

// Статусы отчёта проекта на стороне бэкенда.
const (
	ReportStatusNotGenerated = "not_generated"
	ReportStatusGenerating   = "generating"
	ReportStatusGenerated    = "generated"
	ReportStatusCancelled    = "cancelled"
)

// StreamingEvent — одна строка живого журнала генерации.
// События только добавляются, никогда не изменяются и не удаляются
// (кроме полной очистки данных проекта).
type StreamingEvent struct {
	Timestamp string `json:"timestamp"`  // Человекочитаемое время получения
	EventType string `json:"event_type"` // Открытое множество: node_started, node_finished, ...
	Content   string `json:"content"`    // Детали события (например, название узла)
	Color     string `json:"color"`      // Подсказка для отображения, выводится из EventType
	IsContent bool   `json:"is_content"` // Устаревший путь: фрагмент контента, записанный как событие
}

// ProjectStreamingData — агрегат потоковых данных одного проекта.
// Единица хранения в Store: ровно одна запись на project id.
type ProjectStreamingData struct {
	ProjectID         string           `json:"project_id"`
	Events            []StreamingEvent `json:"events"`
	IsGenerating      bool             `json:"is_generating"`
	ReportContent     string           `json:"report_content"`
	LastUpdated       time.Time        `json:"last_updated"`
	Progress          int              `json:"progress"`
	CompletedChapters int              `json:"completed_chapters"`
	TotalChapters     int              `json:"total_chapters"`
}

// NewProjectStreamingData возвращает нулевую запись для проекта.
func NewProjectStreamingData(projectID string) ProjectStreamingData {
	return ProjectStreamingData{
		ProjectID:     projectID,
		Events:        []StreamingEvent{},
		TotalChapters: DefaultTotalChapters,
	}
}

// StreamingPatch — частичное обновление записи проекта для SetProjectData.
// nil-поля не трогаются.
type StreamingPatch struct {
	IsGenerating      *bool
	ReportContent     *string
	Progress          *int
	CompletedChapters *int
	TotalChapters     *int
}

// NewEvent создает событие журнала с текущим временем получения.
func NewEvent(eventType, content string) StreamingEvent {
	return StreamingEvent{
		Timestamp: time.Now().Format("15:04:05"),
		EventType: eventType,
		Content:   content,
		Color:     ColorFor(eventType),
	}
}

// ColorFor возвращает подсказку цвета для типа события.
// Чисто презентационные данные, бизнес-логика на них не опирается.
func ColorFor(eventType string) string {
	switch eventType {
	case "node_started", "workflow_started", "parallel_branch_started":
		return "blue"
	case "node_finished", "workflow_complete":
		return "green"
	case "workflow_error", "错误":
		return "red"
	case "generation_cancelled":
		return "orange"
	default:
		return "gray"
	}
}
