package transport

import (
	"encoding/json"
)

// Имена событий протокола генерации. Множество открытое: воркфлоу-движок
// может вводить новые типы узлов, неизвестные события доставляются как есть.
const (
	EventWorkflowEvent       = "workflow_event"
	EventWorkflowContent     = "workflow_content"
	EventWorkflowComplete    = "workflow_complete"
	EventWorkflowError       = "workflow_error"
	EventGenerationCancelled = "generation_cancelled"
)

// Локальные события жизненного цикла соединения. Эмитятся самим транспортом,
// сервер их не присылает.
const (
	EventConnected        = "connected"
	EventDisconnected     = "disconnected"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnected      = "reconnected"
)

// Envelope — серверный кадр: имя события, комната и сырой payload.
type Envelope struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// clientFrame — клиентский кадр входа/выхода из комнаты.
type clientFrame struct {
	Action   string `json:"action"` // join | leave
	Room     string `json:"room,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// ContentPayload — payload события workflow_content.
type ContentPayload struct {
	ProjectID    string `json:"project_id"`
	ContentChunk string `json:"content_chunk"`
}

// CompletePayload — payload события workflow_complete.
type CompletePayload struct {
	ProjectID    string `json:"project_id"`
	FinalContent string `json:"final_content"`
}

// ErrorPayload — payload события workflow_error.
type ErrorPayload struct {
	ProjectID    string `json:"project_id"`
	ErrorMessage string `json:"error_message"`
}

// CancelledPayload — payload события generation_cancelled.
type CancelledPayload struct {
	ProjectID string `json:"project_id"`
}

// ReconnectPayload — payload локальных событий reconnect_attempt/reconnected.
type ReconnectPayload struct {
	Attempt int `json:"attempt"`
}

// RoomForProject возвращает имя комнаты проекта.
// Комнаты совещательные: сервер не гарантирует фильтрацию, поэтому
// потребители обязаны сами проверять project_id в payload.
func RoomForProject(projectID string) string {
	return "project_" + projectID
}
