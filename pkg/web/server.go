// Package web serves the SafeFlow dashboard API, the legacy events backend
// and the live status websocket.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/dashboard"
	"github.com/teslashibe/go-safeflow/pkg/events"
	"github.com/teslashibe/go-safeflow/pkg/hub"
	"github.com/teslashibe/go-safeflow/pkg/session"
	"github.com/teslashibe/go-safeflow/pkg/source"
)

// Config wires the server to the rest of the service.
type Config struct {
	Addr    string
	Session *session.Session
	History *dashboard.History

	// Events backs POST /report and GET /events. Nil disables both.
	Events *events.Store

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// StaticDir, when set, is served under /ui.
	StaticDir string

	// Quality is the JPEG quality of annotated frames.
	Quality int

	// UploadLimit caps request bodies, in bytes.
	UploadLimit int

	Logger *slog.Logger
}

// StatusMessage is what GET /api/status and /ws/status carry.
type StatusMessage struct {
	Session     session.Status        `json:"session"`
	View        dashboard.View        `json:"view"`
	Running     bool                  `json:"running"`
	Cycle       uint64                `json:"cycle"`
	Result      *crowd.AnalysisResult `json:"result,omitempty"`
	Summary     string                `json:"summary,omitempty"`
	FrameWidth  int                   `json:"frameWidth,omitempty"`
	FrameHeight int                   `json:"frameHeight,omitempty"`
	LatencyMS   int64                 `json:"latencyMs,omitempty"`
	UpdatedAt   *time.Time            `json:"updatedAt,omitempty"`
}

// NewStatusMessage flattens a session status for clients.
func NewStatusMessage(st session.Status) StatusMessage {
	snap := st.Loop
	msg := StatusMessage{
		Session: st,
		View:    dashboard.Build(snap, st.Ready),
		Running: snap.Running,
		Cycle:   snap.Cycle,
		Result:  snap.LastResult,
	}
	if snap.LastResult != nil {
		msg.Summary = dashboard.Summary(snap.LastResult)
	}
	if f := snap.LastFrame; f != nil {
		msg.FrameWidth, msg.FrameHeight = f.Width, f.Height
	}
	if snap.LastLatency > 0 {
		msg.LatencyMS = snap.LastLatency.Milliseconds()
	}
	if !snap.UpdatedAt.IsZero() {
		t := snap.UpdatedAt
		msg.UpdatedAt = &t
	}
	return msg
}

// Server is the dashboard server.
type Server struct {
	app    *fiber.App
	cfg    Config
	logger *slog.Logger

	statusHub    *hub.Hub
	shutdownOnce sync.Once
}

// NewServer builds the fiber app and its routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Session == nil {
		return nil, errors.New("web: session required")
	}
	if cfg.History == nil {
		cfg.History = dashboard.NewHistory(dashboard.DefaultHistorySize)
	}
	if cfg.Quality <= 0 {
		cfg.Quality = source.DefaultQuality
	}
	if cfg.UploadLimit <= 0 {
		cfg.UploadLimit = 512 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "web")

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		statusHub: hub.New("status", cfg.Logger),
	}

	app := fiber.New(fiber.Config{
		AppName:               "SafeFlow",
		DisableStartupMessage: true,
		BodyLimit:             cfg.UploadLimit,
		ErrorHandler:          s.handleError,
	})

	// CORS for the standalone frontend
	app.Use(cors.New())

	app.Get("/", s.handleRoot)
	app.Post("/report", s.handleReport)
	app.Get("/events", s.handleEvents)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics))
	}
	if cfg.StaticDir != "" {
		app.Static("/ui", cfg.StaticDir)
	}

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/analysis/start", s.handleStart)
	api.Post("/analysis/stop", s.handleStop)
	api.Post("/analysis/toggle", s.handleToggle)
	api.Post("/source/live", s.handleSelectLive)
	api.Post("/source/file", s.handleSelectFile)
	api.Delete("/source", s.handleChangeSource)
	api.Get("/frame.jpg", s.handleFrame)
	api.Get("/overlay", s.handleOverlay)
	api.Get("/history", s.handleHistory)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))

	s.app = app
	return s, nil
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// StatusHub returns the hub feeding /ws/status.
func (s *Server) StatusHub() *hub.Hub {
	return s.statusHub
}

// Publish broadcasts a session status to websocket clients. It is meant to
// be registered with session.Subscribe.
func (s *Server) Publish(st session.Status) {
	if err := s.statusHub.BroadcastJSON(NewStatusMessage(st)); err != nil {
		s.logger.Warn("status broadcast failed", "error", err)
	}
}

// Run starts the status hub and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.statusHub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", s.cfg.Addr)
		errCh <- s.app.Listen(s.cfg.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the web server. Later calls are no-ops.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.app.ShutdownWithTimeout(5 * time.Second)
	})
	return err
}
