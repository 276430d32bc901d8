package stream

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zhengxin-client/internal/model"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(MemoryOptions{Logger: zerolog.Nop()})
	t.Cleanup(s.Close)
	return s
}

func TestMemoryStoreAppendContent(t *testing.T) {
	s := newTestStore(t)

	fragments := []string{"# Title\n", "Some ", "text ", "here.\n", "| a | b |\n"}
	for _, f := range fragments {
		s.AppendContent("1", f)
	}

	data, ok := s.GetProjectData("1")
	require.True(t, ok)
	// Фрагменты копятся строго в порядке поступления, без изменений
	assert.Equal(t, "# Title\nSome text here.\n| a | b |\n", data.ReportContent)
}

func TestMemoryStoreReplaceContent(t *testing.T) {
	s := newTestStore(t)

	s.AppendContent("1", "частичный текст")
	s.ReplaceContent("1", "финальный отчет")

	data, ok := s.GetProjectData("1")
	require.True(t, ok)
	assert.Equal(t, "финальный отчет", data.ReportContent)
}

func TestMemoryStoreChapterProgressMonotonic(t *testing.T) {
	s := newTestStore(t)

	s.HandleChapterComplete("1", "第三章财务状况内容生成")
	data, ok := s.GetProjectData("1")
	require.True(t, ok)
	assert.Equal(t, 3, data.CompletedChapters)
	assert.Equal(t, 38, data.Progress)

	// Запоздавшее событие более ранней главы не откатывает счетчик
	s.HandleChapterComplete("1", "第一章公司概况内容生成")
	data, _ = s.GetProjectData("1")
	assert.Equal(t, 3, data.CompletedChapters)
	assert.Equal(t, 38, data.Progress)

	s.HandleChapterComplete("1", "第八章总结内容生成")
	data, _ = s.GetProjectData("1")
	assert.Equal(t, 8, data.CompletedChapters)
	assert.Equal(t, 100, data.Progress)
}

func TestMemoryStoreUnparseableTitleIgnored(t *testing.T) {
	s := newTestStore(t)

	s.SetGeneratingStatus("1", true)
	s.HandleChapterComplete("1", "报告数据准备")

	data, ok := s.GetProjectData("1")
	require.True(t, ok)
	assert.Equal(t, 0, data.CompletedChapters)
	assert.Equal(t, 0, data.Progress)
}

func TestMemoryStoreListenerPanicIsolation(t *testing.T) {
	s := newTestStore(t)

	var got []model.ProjectStreamingData
	s.Subscribe("1", func(model.ProjectStreamingData) {
		panic("сломанный подписчик")
	})
	s.Subscribe("1", func(data model.ProjectStreamingData) {
		got = append(got, data)
	})

	assert.NotPanics(t, func() {
		s.AddEvent("1", model.NewEvent("workflow_event", "节点开始"))
	})
	require.Len(t, got, 1)
	assert.Len(t, got[0].Events, 1)
}

func TestMemoryStoreUnsubscribeExact(t *testing.T) {
	s := newTestStore(t)

	first, second := 0, 0
	l1 := s.Subscribe("1", func(model.ProjectStreamingData) { first++ })
	s.Subscribe("1", func(model.ProjectStreamingData) { second++ })

	s.AppendContent("1", "a")
	s.Unsubscribe(l1)
	s.AppendContent("1", "b")

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestMemoryStoreListenersAreProjectScoped(t *testing.T) {
	s := newTestStore(t)

	calls := 0
	s.Subscribe("5", func(model.ProjectStreamingData) { calls++ })

	s.AppendContent("7", "чужой проект")
	assert.Equal(t, 0, calls)

	s.AppendContent("5", "свой проект")
	assert.Equal(t, 1, calls)
}

func TestMemoryStoreSweepSkipsGenerating(t *testing.T) {
	s := newTestStore(t)

	s.SetGeneratingStatus("active", true)
	s.AppendContent("idle", "давно забытый текст")

	stale := time.Now().Add(-2 * time.Hour)
	s.mu.Lock()
	s.entries["active"].LastUpdated = stale
	s.entries["idle"].LastUpdated = stale
	s.mu.Unlock()

	s.sweep(time.Now())

	_, ok := s.GetProjectData("active")
	assert.True(t, ok, "активная генерация не вытесняется независимо от возраста")
	_, ok = s.GetProjectData("idle")
	assert.False(t, ok, "неактивная запись старше TTL вытесняется")
}

func TestMemoryStoreSweepKeepsFresh(t *testing.T) {
	s := newTestStore(t)

	s.AppendContent("fresh", "текст")
	s.sweep(time.Now())

	_, ok := s.GetProjectData("fresh")
	assert.True(t, ok)
}

func TestMemoryStoreClearResetsToZero(t *testing.T) {
	s := newTestStore(t)

	var last model.ProjectStreamingData
	s.Subscribe("1", func(data model.ProjectStreamingData) { last = data })

	s.SetGeneratingStatus("1", true)
	s.AppendContent("1", "текст отчета")
	s.HandleChapterComplete("1", "第二章经营情况内容生成")
	s.ClearProjectData("1")

	data, ok := s.GetProjectData("1")
	require.True(t, ok)
	assert.False(t, data.IsGenerating)
	assert.Empty(t, data.ReportContent)
	assert.Empty(t, data.Events)
	assert.Equal(t, 0, data.CompletedChapters)
	assert.Equal(t, 0, data.Progress)

	// Подписчики получают именно нулевую запись
	assert.False(t, last.IsGenerating)
	assert.Empty(t, last.ReportContent)
}

func TestMemoryStoreSetProjectDataPatch(t *testing.T) {
	s := newTestStore(t)

	generating := true
	progress := 50
	s.SetProjectData("1", model.StreamingPatch{
		IsGenerating: &generating,
		Progress:     &progress,
	})

	data, ok := s.GetProjectData("1")
	require.True(t, ok)
	assert.True(t, data.IsGenerating)
	assert.Equal(t, 50, data.Progress)
	// Не затронутые patch поля остаются прежними
	assert.Equal(t, model.DefaultTotalChapters, data.TotalChapters)
}

func TestMemoryStoreSetTotalChapters(t *testing.T) {
	s := newTestStore(t)

	s.HandleChapterComplete("1", "第二章经营情况内容生成")
	s.SetTotalChapters("1", 4)

	data, _ := s.GetProjectData("1")
	assert.Equal(t, 4, data.TotalChapters)
	assert.Equal(t, 50, data.Progress, "прогресс пересчитывается от нового знаменателя")
}

func TestMemoryStoreSnapshotIsolation(t *testing.T) {
	s := newTestStore(t)

	s.AddEvent("1", model.NewEvent("workflow_event", "节点开始"))
	data, _ := s.GetProjectData("1")
	data.Events[0].Content = "испорчено"
	data.ReportContent = "испорчено"

	fresh, _ := s.GetProjectData("1")
	assert.Equal(t, "节点开始", fresh.Events[0].Content)
	assert.Empty(t, fresh.ReportContent)
}

func TestMemoryStoreEventLogCapped(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < maxEventsPerProject+10; i++ {
		s.AddEvent("1", model.NewEvent("workflow_event", "节点"))
	}

	data, _ := s.GetProjectData("1")
	assert.Len(t, data.Events, maxEventsPerProject)
}
