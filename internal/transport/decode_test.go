package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeWorkflowEvent(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantKind  string
		wantTitle string
		wantProj  string
	}{
		{
			name:      "тип в event, заголовок в title",
			raw:       `{"event":"node_started","title":"数据准备","project_id":"5"}`,
			wantKind:  KindNodeStarted,
			wantTitle: "数据准备",
			wantProj:  "5",
		},
		{
			name:      "тип в type, заголовок в node_title",
			raw:       `{"type":"node_finished","node_title":"第三章内容生成","project_id":"5"}`,
			wantKind:  KindNodeFinished,
			wantTitle: "第三章内容生成",
			wantProj:  "5",
		},
		{
			name:      "заголовок и проект вложены в data",
			raw:       `{"event":"node_finished","data":{"title":"第一章内容生成","project_id":"7"}}`,
			wantKind:  KindNodeFinished,
			wantTitle: "第一章内容生成",
			wantProj:  "7",
		},
		{
			name:     "новый тип узла сохраняется как есть",
			raw:      `{"event":"agent_thinking","project_id":"5"}`,
			wantKind: "agent_thinking",
			wantProj: "5",
		},
		{
			name:     "пустой тип",
			raw:      `{"project_id":"5"}`,
			wantKind: KindUnknown,
			wantProj: "5",
		},
		{
			name:     "мусор вместо JSON",
			raw:      `не json`,
			wantKind: KindUnknown,
		},
		{
			name:     "пустой payload",
			raw:      ``,
			wantKind: KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := DecodeWorkflowEvent(json.RawMessage(tt.raw))
			assert.Equal(t, tt.wantKind, ev.Kind)
			assert.Equal(t, tt.wantTitle, ev.NodeTitle)
			assert.Equal(t, tt.wantProj, ev.ProjectID)
		})
	}
}

func TestRoomForProject(t *testing.T) {
	assert.Equal(t, "project_42", RoomForProject("42"))
}
