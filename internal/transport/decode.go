package transport

import (
	"encoding/json"
)

// Виды событий воркфлоу, известные клиенту.
const (
	KindNodeStarted           = "node_started"
	KindNodeFinished          = "node_finished"
	KindWorkflowStarted       = "workflow_started"
	KindWorkflowComplete      = "workflow_complete"
	KindParallelBranchStarted = "parallel_branch_started"
	KindUnknown               = "unknown"
)

// WorkflowEvent — размеченное представление события workflow_event.
// Kind всегда установлен; для неопознанных событий Kind=KindUnknown и
// сырой payload сохранен в Raw.
type WorkflowEvent struct {
	Kind      string
	ProjectID string
	NodeTitle string
	Raw       json.RawMessage
}

// DecodeWorkflowEvent разбирает payload события workflow_event.
// Схема события на стороне движка не строго типизирована, поэтому все
// защитное прощупывание полей собрано здесь, а не размазано по потребителям.
func DecodeWorkflowEvent(raw json.RawMessage) WorkflowEvent {
	ev := WorkflowEvent{Kind: KindUnknown, Raw: raw}
	if len(raw) == 0 {
		return ev
	}

	// Поля, встречающиеся у разных версий движка: тип события лежит в
	// event либо type, заголовок узла — в title, node_title либо data.title.
	var probe struct {
		Event     string `json:"event"`
		Type      string `json:"type"`
		ProjectID string `json:"project_id"`
		Title     string `json:"title"`
		NodeTitle string `json:"node_title"`
		Data      struct {
			Title     string `json:"title"`
			NodeTitle string `json:"node_title"`
			ProjectID string `json:"project_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ev
	}

	kind := probe.Event
	if kind == "" {
		kind = probe.Type
	}
	switch kind {
	case KindNodeStarted, KindNodeFinished, KindWorkflowStarted,
		KindWorkflowComplete, KindParallelBranchStarted:
		ev.Kind = kind
	case "":
		ev.Kind = KindUnknown
	default:
		// Новый тип узла: сохраняем как есть, потребители покажут его
		// в журнале, но не будут на него завязываться.
		ev.Kind = kind
	}

	ev.ProjectID = probe.ProjectID
	if ev.ProjectID == "" {
		ev.ProjectID = probe.Data.ProjectID
	}

	ev.NodeTitle = probe.Title
	if ev.NodeTitle == "" {
		ev.NodeTitle = probe.NodeTitle
	}
	if ev.NodeTitle == "" {
		ev.NodeTitle = probe.Data.Title
	}
	if ev.NodeTitle == "" {
		ev.NodeTitle = probe.Data.NodeTitle
	}

	return ev
}
