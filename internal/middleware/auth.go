package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/koredeycode/contri-api/configs"
	"github.com/koredeycode/contri-api/internal/httputil"
	"github.com/koredeycode/contri-api/internal/logger"
)

type contextKey string

const userIDKey contextKey = "userID"

// UserID extracts the verified user id placed in the context by
// Authenticated. The core trusts this id and performs no further checks.
func UserID(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(userIDKey).(uint)
	return id, ok
}

// WithUserID is used by tests to run handlers as a given user.
func WithUserID(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func Authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(configs.AppConfig.JWT.SECRET), nil
		})
		if err != nil || !token.Valid {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid token claims")
			return
		}

		sub, ok := claims["sub"].(float64)
		if !ok {
			logger.Log.Error("jwt subject missing or wrong type")
			httputil.WriteError(w, http.StatusUnauthorized, "invalid token payload")
			return
		}

		ctx := WithUserID(r.Context(), uint(sub))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
