package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

type contextKey string

const callerKey contextKey = "caller"

// TokenHeader — заголовок с сервисным токеном вызывающей системы.
const TokenHeader = "X-Service-Token"

// ServiceAuth проверяет подписанный сервисный токен вызывающей системы.
// Леджер не аутентифицирует конечных пользователей: это забота платформы;
// сюда приходят планировщик занятий и платёжный сервис.
type ServiceAuth struct {
	secretKey []byte
}

// NewServiceAuth создаёт новый экземпляр ServiceAuth с указанным секретным ключом.
func NewServiceAuth(secret string) *ServiceAuth {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &ServiceAuth{
		secretKey: key,
	}
}

// Middleware проверяет сервисный токен и добавляет имя вызывающей системы
// в контекст запроса.
func (a *ServiceAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(TokenHeader)
		if token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		caller, ok := a.parseToken(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueToken выпускает токен для указанного имени вызывающей системы.
func (a *ServiceAuth) IssueToken(caller string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(caller))
	signature := mac.Sum(nil)
	return caller + "." + hex.EncodeToString(signature)
}

func (a *ServiceAuth) parseToken(token string) (string, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return "", false
	}

	caller := parts[0]
	signature := parts[1]

	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(caller))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return "", false
	}

	return caller, true
}

// GetCallerFromContext извлекает имя вызывающей системы из контекста запроса.
func GetCallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerKey).(string)
	return caller, ok
}
