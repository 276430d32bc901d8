package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"zhengxin-client/internal/config"
)

// ErrUnauthenticated возвращается, когда токен отсутствует или истек.
// Вызывающий код обязан остановиться ("please log in"), а не пробовать запрос.
var ErrUnauthenticated = errors.New("not authenticated: please log in")

// TokenSource выдает актуальный bearer-токен для REST и WebSocket вызовов.
type TokenSource interface {
	Token() (string, error)
}

// fileTokenSource читает токен из переменной окружения или файла и
// проверяет срок действия JWT локально, без обращения к серверу.
type fileTokenSource struct {
	cfg config.AuthConfig

	mu     sync.Mutex
	cached string
}

// NewTokenSource создает TokenSource на основе конфигурации.
func NewTokenSource(cfg config.AuthConfig) TokenSource {
	return &fileTokenSource{cfg: cfg}
}

func (s *fileTokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := s.cached
	if token == "" {
		token = strings.TrimSpace(s.cfg.Token)
	}
	if token == "" && s.cfg.TokenFile != "" {
		raw, err := os.ReadFile(s.cfg.TokenFile)
		if err != nil {
			return "", fmt.Errorf("%w: cannot read token file: %v", ErrUnauthenticated, err)
		}
		token = strings.TrimSpace(string(raw))
	}
	if token == "" {
		return "", ErrUnauthenticated
	}

	if err := checkExpiry(token); err != nil {
		s.cached = ""
		return "", err
	}

	s.cached = token
	return token, nil
}

// checkExpiry разбирает JWT без проверки подписи (подпись проверяет сервер)
// и отклоняет истекший токен до того, как он уйдет в запрос.
// Непрозрачные (не-JWT) токены пропускаются как есть.
func checkExpiry(token string) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		// Похож на JWT, но не разбирается — оставляем решение серверу
		return nil
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if time.Now().After(exp.Time) {
		return fmt.Errorf("%w: token expired at %s", ErrUnauthenticated, exp.Time.Format(time.RFC3339))
	}
	return nil
}

// StaticTokenSource возвращает фиксированный токен. Используется в тестах.
type StaticTokenSource string

func (s StaticTokenSource) Token() (string, error) {
	if s == "" {
		return "", ErrUnauthenticated
	}
	return string(s), nil
}
