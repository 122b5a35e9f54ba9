package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTValidator verifies a staff bearer token and returns its subject.
type JWTValidator interface {
	Validate(token string) (subject string, err error)
}

// HS256Validator validates HMAC-signed staff tokens issued by the campus SSO.
type HS256Validator struct {
	key []byte
}

func NewHS256Validator(signingKey string) *HS256Validator {
	return &HS256Validator{key: []byte(signingKey)}
}

func (v *HS256Validator) Validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return sub, nil
}

// RequireAuth guards staff endpoints. It stores the authenticated staff ID in
// the request context for handlers and audit logging.
func RequireAuth(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			subject, err := validator.Validate(raw)
			if err != nil {
				logger.Warn("rejected staff token",
					"request_id", GetRequestID(r.Context()),
					"error", err,
				)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), staffIDKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetStaffID returns the authenticated staff subject from the context.
func GetStaffID(ctx context.Context) string {
	id, _ := ctx.Value(staffIDKey).(string)
	return id
}
