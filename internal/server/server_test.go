package server_test // Используем _test пакет для изоляции

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zhengxin-client/internal/config"
	"zhengxin-client/internal/model"
	"zhengxin-client/internal/server"
	"zhengxin-client/internal/stream"
)

func newTestServer(t *testing.T) (*server.Server, *stream.MemoryStore) {
	t.Helper()
	store := stream.NewMemoryStore(stream.MemoryOptions{Logger: zerolog.Nop()})
	t.Cleanup(store.Close)

	srv := server.New(config.ServerConfig{
		Port:         "0",
		AllowOrigins: []string{"*"},
	}, store, zerolog.Nop())
	return srv, store
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := get(t, srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamEndpoint(t *testing.T) {
	srv, store := newTestServer(t)

	rec := get(t, srv.Handler(), "/projects/5/stream")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	store.SetGeneratingStatus("5", true)
	store.AppendContent("5", "# 报告")
	store.AddEvent("5", model.NewEvent("node_started", "数据准备"))

	rec = get(t, srv.Handler(), "/projects/5/stream")
	require.Equal(t, http.StatusOK, rec.Code)

	var data model.ProjectStreamingData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &data))
	assert.Equal(t, "5", data.ProjectID)
	assert.True(t, data.IsGenerating)
	assert.Equal(t, "# 报告", data.ReportContent)
	assert.Len(t, data.Events, 1)
}

func TestPreviewEndpointReturnsPreprocessedMarkdown(t *testing.T) {
	srv, store := newTestServer(t)

	store.AppendContent("5", "# Title\nSome text here.\n| a | b |\n")
	store.HandleChapterComplete("5", "第四章经营情况内容生成")

	rec := get(t, srv.Handler(), "/projects/5/preview")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ProjectID    string `json:"project_id"`
		IsGenerating bool   `json:"is_generating"`
		Progress     int    `json:"progress"`
		Markdown     string `json:"markdown"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "5", body.ProjectID)
	assert.Equal(t, 50, body.Progress)
	assert.Equal(t, "# Title\n\nSome text here.\n\n| a | b |\n| --- | --- |", body.Markdown)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	store.AppendContent("5", "фрагмент")

	rec := get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "zhengxin_stream_fragments_appended_total")
}
