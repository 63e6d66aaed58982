// Package api serves the operator HTTP surface and, in HTTP mode, the Slack
// Events API endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/ship-commander/threadbridge/internal/session"
	"github.com/ship-commander/threadbridge/internal/slack"
	"github.com/ship-commander/threadbridge/internal/telemetry/invariants"
)

const (
	maxEventBodyBytes = 1 << 20
	shutdownTimeout   = 5 * time.Second
)

// SessionLister exposes live thread sessions.
type SessionLister interface {
	Snapshot() []session.Snapshot
}

// Options configures the router.
type Options struct {
	Sessions SessionLister
	// EventHandler enables POST /slack/events when set.
	EventHandler slack.Handler
	// SigningSecret enables request signature checks on /slack/events.
	SigningSecret string
	// BaseContext is handed to EventHandler; request contexts end with the response.
	BaseContext context.Context
	Version     string
	Logger      *log.Logger
	Now         func() time.Time
}

type handler struct {
	sessions      SessionLister
	eventHandler  slack.Handler
	signingSecret string
	baseCtx       context.Context
	version       string
	logger        *log.Logger
	now           func() time.Time
	started       time.Time
}

// NewRouter builds the gin engine.
func NewRouter(opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	baseCtx := opts.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	h := &handler{
		sessions:      opts.Sessions,
		eventHandler:  opts.EventHandler,
		signingSecret: opts.SigningSecret,
		baseCtx:       baseCtx,
		version:       opts.Version,
		logger:        logger.With("component", "api"),
		now:           now,
		started:       now(),
	}

	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger())
	router.GET("/healthz", h.health)
	router.GET("/sessions", h.listSessions)
	if h.eventHandler != nil {
		router.POST("/slack/events", h.slackEvents)
	}
	return router
}

func (h *handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := h.now()
		c.Next()
		h.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", h.now().Sub(start),
		)
	}
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": h.version,
		"uptime":  h.now().Sub(h.started).Round(time.Second).String(),
		// Runtime rule violations by rule name; empty when healthy.
		"violations": invariants.Counts(),
	})
}

type sessionView struct {
	ThreadID     string    `json:"thread_id"`
	SessionID    string    `json:"session_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	PID          int       `json:"pid,omitempty"`
	Running      bool      `json:"running"`
	StartTime    time.Time `json:"start_time,omitzero"`
	LastActivity time.Time `json:"last_activity"`
}

func (h *handler) listSessions(c *gin.Context) {
	views := make([]sessionView, 0)
	if h.sessions != nil {
		for _, snap := range h.sessions.Snapshot() {
			views = append(views, sessionView{
				ThreadID:     snap.ThreadID,
				SessionID:    snap.ResumableSessionID,
				TaskID:       snap.TaskID,
				Kind:         string(snap.Kind),
				PID:          snap.PID,
				Running:      snap.Running,
				StartTime:    snap.StartTime,
				LastActivity: snap.LastActivity,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views, "count": len(views)})
}

func (h *handler) slackEvents(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return
	}
	if h.signingSecret != "" {
		if err := slack.VerifyRequest(h.signingSecret, c.Request.Header, body); err != nil {
			h.logger.Warn("rejected slack request", "error", err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
	}

	event, err := slack.ParseEvent(body)
	if errors.Is(err, slack.ErrUnsupportedEvent) {
		h.logger.Debug("ignoring slack event", "error", err)
		c.Status(http.StatusOK)
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if challenge, ok := slack.Challenge(event); ok {
		c.JSON(http.StatusOK, gin.H{"challenge": challenge})
		return
	}
	// Slack redelivers on slow acks, so the handler runs after the response.
	if translated, ok := slack.TranslateEvent(event); ok {
		go h.eventHandler(h.baseCtx, translated)
	}
	c.Status(http.StatusOK)
}

// Serve runs the HTTP server until ctx ends, then shuts it down gracefully.
func Serve(ctx context.Context, addr string, router http.Handler, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
