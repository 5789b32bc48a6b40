package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/livememo/internal/router"
	"github.com/a-essam23/livememo/internal/server/middleware"
	"github.com/a-essam23/livememo/pkg/config"
	"github.com/a-essam23/livememo/pkg/presence"
	"github.com/a-essam23/livememo/pkg/protocol"
	"github.com/a-essam23/livememo/pkg/reconnect"
	"github.com/a-essam23/livememo/pkg/sharing"
	"github.com/a-essam23/livememo/pkg/state"
	"github.com/a-essam23/livememo/pkg/state/statemanager"
	"github.com/a-essam23/livememo/pkg/store"
	"github.com/a-essam23/livememo/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

// Deps are the collaborators the server runs against.
type Deps struct {
	Shares sharing.Store
	Docs   store.DocumentStore
	// optional
	Cache  *sharing.Cached
	Mirror *presence.RedisMirror
	// Ready reports whether backing services are reachable.
	Ready func(ctx context.Context) error
}

type App struct {
	logger       *slog.Logger
	stateManager *statemanager.InMemoryManager
	eventRouter  *router.EventRouter
	deps         Deps
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, deps Deps, opts ...statemanager.Option) *App {
	tickets := reconnect.NewIssuer(cfg.Server.Auth.TicketSecret, cfg.Session.TicketTTL)
	if deps.Mirror != nil {
		opts = append(opts, statemanager.WithObserver(deps.Mirror))
	}
	stateManager := statemanager.NewInMemoryManager(logger, statemanager.Config{
		GracePeriod:        cfg.Session.GracePeriod,
		HeartbeatTimeout:   cfg.Session.HeartbeatTimeout,
		SweepInterval:      cfg.Session.SweepInterval,
		CheckpointInterval: cfg.Session.CheckpointInterval,
		ResumeWindow:       cfg.Session.ResumeWindow,
		HistoryLimit:       cfg.Session.HistoryLimit,
	}, deps.Shares, deps.Docs, tickets, opts...)
	eventRouter := router.NewEventRouter(logger, stateManager, cfg.Transport.RateLimit)

	app := &App{
		logger:       logger.With(slog.String("component", "server")),
		stateManager: stateManager,
		eventRouter:  eventRouter,
		deps:         deps,
		config:       cfg,
		ctx:          rootCtx,
	}
	app.http = &http.Server{Addr: cfg.Server.Address, Handler: app.routes(), BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}
	return app
}

func (a *App) routes() http.Handler {
	r := mux.NewRouter()

	connCounter := middleware.UserConnectionCounter(a.stateManager.UserConnectionCount)
	connCycler := func(userID string) {
		if oldest, found := a.stateManager.FindOldestUserConnection(userID); found {
			a.logger.Info("Cycling connection: closing oldest",
				slog.String("userID", userID),
				slog.String("connID", oldest.ID().String()),
			)
			oldest.Close(state.ErrEvicted)
		}
	}
	auth := middleware.NewAuthMiddleware(a.logger, a.config.Server.Auth.JWTSecret)
	internal := middleware.NewInternalTokenMiddleware(a.logger, a.config.Server.Auth.InternalToken)

	base := middleware.Stack{
		middleware.RequestMetadataMiddleware(a.config.Server.TrustProxy),
		middleware.NewRequestLogger(a.logger),
	}

	r.Handle("/ws/documents/{documentID}",
		base.With(auth, middleware.NewConnectionLimiter(a.logger, connCounter, connCycler, a.config.Server.ConnectionLimit)).
			Then(http.HandlerFunc(a.upgradeHandler)),
	).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/ready", a.handleReady).Methods(http.MethodGet)
	api.Handle("/documents/{documentID}/presence",
		base.With(auth).Then(http.HandlerFunc(a.handlePresence)),
	).Methods(http.MethodGet)
	api.Handle("/documents/{documentID}/share/refresh",
		base.With(internal).Then(http.HandlerFunc(a.handleShareRefresh)),
	).Methods(http.MethodPost)
	api.Handle("/sessions",
		base.With(internal).Then(http.HandlerFunc(a.handleSessions)),
	).Methods(http.MethodGet)
	return r
}

// Handler exposes the routes, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

func (a *App) Manager() *statemanager.InMemoryManager {
	return a.stateManager
}

// Run serves until the root context is cancelled, then shuts down.
func (a *App) Run() error {
	g, ctx := errgroup.WithContext(a.ctx)
	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.stateManager.Run(ctx)
	})
	if a.deps.Mirror != nil {
		g.Go(func() error {
			return a.deps.Mirror.Run(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return a.Shutdown()
	})
	return g.Wait()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	documentID := mux.Vars(r)["documentID"]
	ticket := r.URL.Query().Get("ticket")
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
		slog.String("documentID", documentID),
	)

	// fail fresh joins over plain HTTP; a ticket carries its own identity
	if ticket == "" {
		if _, err := a.stateManager.Authorize(r.Context(), documentID, reqMeta.UserID); err != nil {
			connLogger.Info("Join refused", slog.Any("error", err))
			writeStateError(w, err)
			return
		}
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     a.config.Server.AllowedOrigins,
		InsecureSkipVerify: len(a.config.Server.AllowedOrigins) == 0,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	t := a.config.Transport
	conn := transport.NewConnection(
		a.ctx,
		&a.wg,
		wsConn,
		transport.ConnectionConfig{ReadTimeout: t.ReadTimeout, WriteTimeout: t.WriteTimeout, SendBuffer: t.SendBuffer, ReadLimit: t.ReadLimit},
		a.eventRouter.HandleMessage,
		a.onClose(connLogger),
		a.logger,
	)
	a.eventRouter.Register(conn)

	if ticket != "" {
		_, err = a.stateManager.Reconnect(r.Context(), ticket, conn)
	} else {
		_, err = a.stateManager.Join(r.Context(), documentID, reqMeta.Identity(), conn)
	}
	conn.Run()
	if err != nil {
		connLogger.Info("Session attach failed", slog.Any("error", err))
		rej := state.AsRejected(err)
		conn.Send(protocol.MustEncode(protocol.EventError, protocol.ErrorPayload{Code: rej.Code, Reason: rej.Reason}))
		conn.Close(state.ErrRevoked)
	} else {
		connLogger.Info("Connection attached to session", slog.String("connID", conn.ID().String()))
	}
	<-conn.Done()
}

func (a *App) onClose(logger *slog.Logger) transport.OnCloseHandler {
	return func(id uuid.UUID, kind state.CloseKind, err error) {
		a.eventRouter.Forget(id)
		if lErr := a.stateManager.Leave(id, kind); lErr != nil && !errors.Is(lErr, state.ErrUnknownConnection) {
			logger.Error("Failed to detach connection", slog.String("connID", id.String()), slog.Any("error", lErr))
		}
	}
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections and flush every session.
	a.logger.Info("Closing all active sessions...")
	if err := a.stateManager.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Final flush failed", slog.Any("error", err))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
