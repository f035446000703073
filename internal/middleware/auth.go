// Package middleware содержит HTTP middleware сервиса начисления доходности.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type contextKey string

const callerKey contextKey = "caller"

const bearerPrefix = "Bearer "

var randReader io.Reader = rand.Reader

// AuthMiddleware проверяет подписанный токен вызывающей стороны в заголовке Authorization.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// Без секрета генерируется случайный ключ, и токены действуют до перезапуска процесса.
func NewAuthMiddleware(secret string) (*AuthMiddleware, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := io.ReadFull(randReader, key); err != nil {
			return nil, fmt.Errorf("generate auth key: %w", err)
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}, nil
}

// Middleware проверяет токен и добавляет имя вызывающей стороны в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		caller, ok := a.parseToken(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueToken выпускает токен для вызывающей стороны в формате caller.signature.
func (a *AuthMiddleware) IssueToken(caller string) string {
	return caller + "." + a.sign(caller)
}

func (a *AuthMiddleware) sign(caller string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(caller))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseToken(token string) (string, bool) {
	idx := strings.LastIndex(token, ".")
	if idx <= 0 || idx == len(token)-1 {
		return "", false
	}

	caller, signature := token[:idx], token[idx+1:]
	if !hmac.Equal([]byte(signature), []byte(a.sign(caller))) {
		return "", false
	}

	return caller, true
}

// GetCallerFromContext извлекает имя вызывающей стороны из контекста запроса.
func GetCallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerKey).(string)
	return caller, ok
}
