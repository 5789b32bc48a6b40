package middleware

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	SessionCookie       = "session-token"
	InternalTokenHeader = "X-Internal-Token"
)

// AppClaims is the memo app's session token.
type AppClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// NewAuthMiddleware resolves the current user from the app's session token,
// read from the session cookie or an Authorization bearer header. Requests
// without a token continue as anonymous; a token that fails verification is
// rejected.
func NewAuthMiddleware(logger *slog.Logger, jwtSecret string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
				return
			}

			tokenString := bearerToken(r)
			if tokenString == "" {
				logger.Debug("No session token, continuing as anonymous", slog.String("ip", reqMeta.IP))
				next.ServeHTTP(w, r)
				return
			}

			claims, err := ParseSessionToken(tokenString, jwtSecret)
			if err != nil {
				logger.Warn("Invalid JWT token presented", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid session token")
				return
			}
			reqMeta.UserID = claims.Subject
			reqMeta.DisplayName = claims.Name
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// ParseSessionToken verifies an HS256 session token and returns its claims.
func ParseSessionToken(tokenString, secret string) (*AppClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*AppClaims)
	if !ok || !token.Valid {
		return nil, errors.New("unexpected claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing 'sub' claim")
	}
	return claims, nil
}

// NewInternalTokenMiddleware guards endpoints called by the memo app itself.
func NewInternalTokenMiddleware(logger *slog.Logger, token string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(InternalTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				logger.Warn("Rejected internal call", slog.String("uri", r.RequestURI))
				writeError(w, http.StatusForbidden, CodeForbidden, "internal token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
