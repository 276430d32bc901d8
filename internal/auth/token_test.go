package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zhengxin-client/internal/config"
)

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestTokenFromConfig(t *testing.T) {
	valid := signedJWT(t, time.Now().Add(time.Hour))
	src := NewTokenSource(config.AuthConfig{Token: valid})

	got, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, valid, got)
}

func TestTokenFromFile(t *testing.T) {
	valid := signedJWT(t, time.Now().Add(time.Hour))
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte(valid+"\n"), 0o600))

	src := NewTokenSource(config.AuthConfig{TokenFile: path})
	got, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, valid, got, "токен из файла читается с обрезкой пробельных символов")
}

func TestExpiredTokenRejectedLocally(t *testing.T) {
	expired := signedJWT(t, time.Now().Add(-time.Hour))
	src := NewTokenSource(config.AuthConfig{Token: expired})

	_, err := src.Token()
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestOpaqueTokenPassedThrough(t *testing.T) {
	// Не-JWT токен: срок проверяет сервер, клиент пропускает как есть
	src := NewTokenSource(config.AuthConfig{Token: "opaque-session-token"})

	got, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "opaque-session-token", got)
}

func TestMissingTokenIsUnauthenticated(t *testing.T) {
	src := NewTokenSource(config.AuthConfig{})

	_, err := src.Token()
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestUnreadableTokenFile(t *testing.T) {
	src := NewTokenSource(config.AuthConfig{TokenFile: filepath.Join(t.TempDir(), "missing")})

	_, err := src.Token()
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
