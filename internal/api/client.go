package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"zhengxin-client/internal/auth"
	"zhengxin-client/internal/config"
)

// Client — HTTP клиент REST API кредитной платформы.
// Все вызовы требуют bearer-токен; отсутствующий или истекший токен —
// жесткая остановка до выполнения запроса.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource
	logger  zerolog.Logger
}

// NewClient создает клиент API.
func NewClient(cfg config.APIConfig, tokens auth.TokenSource, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		logger:  logger.With().Str("component", "APIClient").Logger(),
	}
}

// do выполняет запрос с bearer-авторизацией и декодирует JSON ответ в out.
// Не-2xx статусы возвращаются как *APIError (кроме 401 -> ErrUnauthenticated).
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.raw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.errorFromResponse(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response for %s %s: %w", method, path, err)
	}
	return nil
}

// raw выполняет запрос и возвращает сырой ответ. Вызывающий закрывает Body.
func (c *Client) raw(ctx context.Context, method, path string, body any) (*http.Response, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	return resp, nil
}

// errorFromResponse превращает не-2xx ответ в типизированную ошибку.
func (c *Client) errorFromResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return auth.ErrUnauthenticated
	}

	var apiErr APIError
	apiErr.Status = resp.StatusCode

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		apiErr.Message = parsed.Error
		if apiErr.Message == "" {
			apiErr.Message = parsed.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	c.logger.Warn().Int("status", resp.StatusCode).Str("message", apiErr.Message).Msg("API request failed")
	return &apiErr
}
