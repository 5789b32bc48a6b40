package middleware

import (
	"log/slog"
	"net/http"

	"github.com/a-essam23/livememo/pkg/config"
)

type UserConnectionCounter func(userID string) (int, error)
type UserConnectionCycler func(userID string)

const (
	LimitReject = "reject"
	LimitCycle  = "cycle"
)

// NewConnectionLimiter caps live connections per signed-in user. In reject
// mode the new connection is refused; in cycle mode the user's oldest
// connection is evicted to make room. Anonymous viewers are not limited.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter UserConnectionCounter,
	cycler UserConnectionCycler,
	limit config.ConnectionLimitConfig,
) Middleware {
	mode := limit.Mode
	switch mode {
	case "":
		mode = LimitReject
	case LimitReject, LimitCycle:
	default:
		logger.Error("Unknown connection limit mode, rejecting instead", slog.String("mode", mode))
		mode = LimitReject
	}

	return func(next http.Handler) http.Handler {
		if limit.MaxPerUser <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
				return
			}
			if reqMeta.Anonymous() {
				next.ServeHTTP(w, r)
				return
			}

			count, err := counter(reqMeta.UserID)
			if err != nil {
				logger.Error("Connection limiter failed to get connection count", slog.Any("error", err))
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
				return
			}
			if count < limit.MaxPerUser {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("User connection limit reached",
				slog.String("userID", reqMeta.UserID),
				slog.Int("count", count),
				slog.String("mode", mode),
			)
			if mode == LimitCycle {
				cycler(reqMeta.UserID)
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusTooManyRequests, CodeConnectionLimit, "too many active connections")
		})
	}
}
