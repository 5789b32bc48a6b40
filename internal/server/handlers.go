package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/a-essam23/livememo/internal/server/middleware"
	"github.com/a-essam23/livememo/pkg/state"
	"github.com/gorilla/mux"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "error": msg})
}

// writeStateError maps a session error onto an HTTP status.
func writeStateError(w http.ResponseWriter, err error) {
	rej := state.AsRejected(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, state.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, state.ErrSessionNotFound):
		status = http.StatusNotFound
	}
	writeError(w, status, rej.Code, rej.Reason)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.deps.Ready(ctx); err != nil {
			a.logger.Warn("Readiness check failed", slog.Any("error", err))
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "sessions": len(a.stateManager.Sessions())})
}

// handlePresence lists who is in a document's live session. Callers need
// at least read access to the document.
func (a *App) handlePresence(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	documentID := mux.Vars(r)["documentID"]
	if _, err := a.stateManager.Authorize(r.Context(), documentID, reqMeta.UserID); err != nil {
		writeStateError(w, err)
		return
	}
	presence, err := a.stateManager.Presence(documentID)
	if errors.Is(err, state.ErrSessionNotFound) {
		presence = []state.ClientPresence{}
	} else if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "presence": presence})
}

// handleShareRefresh is called by the memo app after share settings change.
func (a *App) handleShareRefresh(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentID"]
	if a.deps.Cache != nil {
		if err := a.deps.Cache.Invalidate(r.Context(), documentID); err != nil {
			a.logger.Warn("Share cache invalidation failed", slog.String("documentID", documentID), slog.Any("error", err))
		}
	}
	if err := a.stateManager.RefreshPermissions(r.Context(), documentID); err != nil {
		a.logger.Error("Permission refresh failed", slog.String("documentID", documentID), slog.Any("error", err))
		writeStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.stateManager.Sessions())
}
