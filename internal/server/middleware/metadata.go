package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/a-essam23/livememo/pkg/state"
	"github.com/oklog/ulid/v2"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

const RequestIDHeader = "X-Request-Id"

// RequestMetadata travels with a request through the chain. Auth fills in
// the user; the rest is set when the request enters.
type RequestMetadata struct {
	RequestID   string
	IP          string
	UserID      string // empty for anonymous viewers
	DisplayName string
}

// Identity is the caller as the session manager sees it.
func (m *RequestMetadata) Identity() state.Identity {
	return state.Identity{UserID: m.UserID, DisplayName: m.DisplayName}
}

func (m *RequestMetadata) Anonymous() bool {
	return m.UserID == ""
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// RequestMetadataMiddleware must be first in every chain. With trustProxy
// the client address comes from the first X-Forwarded-For hop.
func RequestMetadataMiddleware(trustProxy bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{
				RequestID: r.Header.Get(RequestIDHeader),
				IP:        clientIP(r, trustProxy),
			}
			if reqMeta.RequestID == "" {
				reqMeta.RequestID = ulid.Make().String()
			}
			w.Header().Set(RequestIDHeader, reqMeta.RequestID)

			ctx := context.WithValue(r.Context(), reqMetaKey, reqMeta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
