package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// AdminRole is the role claim required on admin routes.
const AdminRole = "admin"

// AdminClaims are the JWT claims accepted on admin routes.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type claimsKey struct{}

// ClaimsFromContext returns the admin claims set by RequireAdmin.
func ClaimsFromContext(ctx context.Context) (*AdminClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*AdminClaims)
	return claims, ok
}

// RequireAdmin validates an HS256 bearer token and requires role=admin.
func RequireAdmin(secret string, logger *zap.Logger) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	keyFunc := func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || tokenString == "" || secret == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing or malformed bearer token")
				return
			}

			claims := &AdminClaims{}
			if _, err := parser.ParseWithClaims(tokenString, claims, keyFunc); err != nil {
				detail := "invalid token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					detail = "token expired"
				}
				logger.Debug("rejected admin token", zap.Error(err))
				writeAuthError(w, http.StatusUnauthorized, detail)
				return
			}

			if claims.Role != AdminRole {
				logger.Warn("non-admin token on admin route",
					zap.String("subject", claims.Subject),
					zap.String("role", claims.Role),
				)
				writeAuthError(w, http.StatusForbidden, "admin role required")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, detail string) {
	errType := "forbidden"
	if status == http.StatusUnauthorized {
		errType = "unauthorized"
		w.Header().Set("WWW-Authenticate", `Bearer realm="courier"`)
	}
	writeProblem(w, ErrorResponse{
		Type:   errType,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}
