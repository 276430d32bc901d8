package api_test // Используем _test пакет для изоляции

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zhengxin-client/internal/api"
	"zhengxin-client/internal/auth"
	"zhengxin-client/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) (*api.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := api.NewClient(
		config.APIConfig{BaseURL: srv.URL, Timeout: 5 * time.Second},
		auth.StaticTokenSource("test-token"),
		zerolog.Nop(),
	)
	return client, srv
}

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth atomic.Value
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(api.Report{Success: true, HasReport: true, Content: "# 报告"})
	}))

	_, err := client.GetReport(context.Background(), "5")
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-token", gotAuth.Load())
}

func TestClientMissingTokenHardStop(t *testing.T) {
	requests := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
	}))
	t.Cleanup(srv.Close)

	noToken := api.NewClient(
		config.APIConfig{BaseURL: srv.URL, Timeout: time.Second},
		auth.StaticTokenSource(""),
		zerolog.Nop(),
	)

	// Пустой токен: запрос не должен уйти в сеть вовсе
	_, err := noToken.GetReport(context.Background(), "5")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	assert.Equal(t, int32(0), atomic.LoadInt32(&requests))
}

func TestGetReportNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"report not found"}`, http.StatusNotFound)
	}))

	_, err := client.GetReport(context.Background(), "5")
	assert.ErrorIs(t, err, api.ErrReportNotReady)
}

func TestGetReportHasReportFalse(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.Report{Success: true, HasReport: false})
	}))

	_, err := client.GetReport(context.Background(), "5")
	assert.ErrorIs(t, err, api.ErrReportNotReady)
}

func TestClientUnauthorized(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"token expired"}`, http.StatusUnauthorized)
	}))

	_, err := client.GetReport(context.Background(), "5")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestGenerateReportAlreadyGenerating(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "ошибка со статусом 409",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"报告正在生成中，请稍候"}`, http.StatusConflict)
			},
		},
		{
			name: "success=false в теле 200",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(api.GenerateResponse{Success: false, Error: "正在生成"})
			},
		},
		{
			name: "английская формулировка",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(api.GenerateResponse{Success: false, Message: "Report already generating"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, tt.handler)
			_, err := client.GenerateReport(context.Background(), api.GenerateRequest{ProjectID: "5"})
			assert.ErrorIs(t, err, api.ErrAlreadyGenerating)
		})
	}
}

func TestGenerateReportSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/generate_report", r.URL.Path)

		var req api.GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "5", req.ProjectID)

		_ = json.NewEncoder(w).Encode(api.GenerateResponse{
			Success:       true,
			WebsocketRoom: "project_5",
			TotalChapters: 8,
		})
	}))

	resp, err := client.GenerateReport(context.Background(), api.GenerateRequest{ProjectID: "5", CompanyName: "测试公司"})
	require.NoError(t, err)
	assert.Equal(t, "project_5", resp.WebsocketRoom)
	assert.Equal(t, 8, resp.TotalChapters)
}

func TestGetGenerationStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/projects/5/generation_status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(api.GenerationStatus{IsGenerating: true, Progress: 62})
	}))

	status, err := client.GetGenerationStatus(context.Background(), "5")
	require.NoError(t, err)
	assert.True(t, status.IsGenerating)
	assert.Equal(t, 62, status.Progress)
}

func TestDeleteReportServerSideFailure(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "删除失败"})
	}))

	err := client.DeleteReport(context.Background(), "5")
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "删除失败", apiErr.Message)
}

func TestDownloadReportUsesDispositionFilename(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/projects/5/report/download-pdf", r.URL.Path)
		w.Header().Set("Content-Disposition", `attachment; filename="custom_report.pdf"`)
		_, _ = w.Write([]byte("%PDF-1.4 данные"))
	}))

	dir := t.TempDir()
	dest, err := client.DownloadReport(context.Background(), "5", "pdf", "测试公司", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "custom_report.pdf"), dest)

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 данные", string(raw))
}

func TestDownloadReportFallbackFilename(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html></html>"))
	}))

	dir := t.TempDir()
	dest, err := client.DownloadReport(context.Background(), "5", "html", "测试公司", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "测试公司_征信报告.html"), dest)
}

func TestDownloadReportRejectsUnknownFormat(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	_, err := client.DownloadReport(context.Background(), "5", "docx", "测试公司", t.TempDir())
	assert.Error(t, err)
}
