// Package webhook exposes the session gateway over HTTP: a JSON API, a
// server-sent event stream per session, and alert/drill webhooks.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/incidentd/internal/gateway"
	"github.com/user/incidentd/internal/state"
	"github.com/user/incidentd/internal/types"
)

// DefaultHeartbeat is the interval between SSE heartbeat frames.
const DefaultHeartbeat = 15 * time.Second

// Server is the HTTP front end of the gateway.
type Server struct {
	gw        *gateway.Gateway
	drills    *state.DrillStore
	heartbeat time.Duration
	router    *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithHeartbeat sets the SSE heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithDrills enables POST /webhook/drills/:name.
func WithDrills(drills *state.DrillStore) Option {
	return func(s *Server) { s.drills = drills }
}

// NewServer builds the router for gw.
func NewServer(gw *gateway.Gateway, opts ...Option) *Server {
	s := &Server{gw: gw, heartbeat: DefaultHeartbeat}
	for _, o := range opts {
		o(s)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	s.router = router
	return s
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)

	api := r.Group("/api/sessions")
	api.GET("", s.handleList)
	api.POST("", s.handleCreate)
	api.GET("/:id", s.handleGet)
	api.DELETE("/:id", s.handleDelete)
	api.POST("/:id/messages", s.handleContinue)
	api.POST("/:id/cancel", s.handleCancel)
	api.POST("/:id/save", s.handleSave)
	api.GET("/:id/stream", s.handleStream)

	r.POST("/webhook/alert", s.handleAlert)
	r.POST("/webhook/drills/:name", s.handleDrill)
}

// ServeHTTP delegates to the gin router, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("http server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// statusOf maps gateway errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, types.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

func sessionID(c *gin.Context) (types.SessionID, bool) {
	id, err := types.ParseSessionID(c.Param("id"))
	if err != nil {
		abort(c, err)
		return "", false
	}
	return id, true
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"active": s.gw.Queue.Active(),
	})
}

func (s *Server) handleList(c *gin.Context) {
	list, err := s.gw.List(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	if list == nil {
		list = []types.SessionSummary{}
	}
	c.JSON(http.StatusOK, list)
}

type createRequest struct {
	Scenario  string `json:"scenario"`
	AlertText string `json:"alert_text"`
}

func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, fmt.Errorf("%w: invalid JSON: %v", types.ErrMalformed, err))
		return
	}
	s.create(c, req.Scenario, req.AlertText)
}

func (s *Server) create(c *gin.Context, scenario, alert string) {
	sess, err := s.gw.Create(c.Request.Context(), scenario, alert)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess.Summary())
}

func (s *Server) handleGet(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := s.gw.Get(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}
	if c.Query("events") == "false" {
		sess.Events = nil
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDelete(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := s.gw.Delete(c.Request.Context(), id); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleContinue(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, fmt.Errorf("%w: invalid JSON: %v", types.ErrMalformed, err))
		return
	}
	sess, err := s.gw.Continue(c.Request.Context(), id, req.Text)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess.Summary())
}

func (s *Server) handleCancel(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := s.gw.Cancel(c.Request.Context(), id); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": types.StatusCancelling})
}

func (s *Server) handleSave(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	m, err := s.gw.Save(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          m.SessionID,
		"status":      m.Status,
		"chunk_count": m.ChunkCount,
		"first_index": m.FirstIndex,
		"next_index":  m.NextIndex,
	})
}

// alertRequest accepts both "alert" and "text" for the alert body, since
// alerting tools disagree on the field name.
type alertRequest struct {
	Scenario string `json:"scenario"`
	Alert    string `json:"alert"`
	Text     string `json:"text"`
}

func (s *Server) handleAlert(c *gin.Context) {
	var req alertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, fmt.Errorf("%w: invalid JSON: %v", types.ErrMalformed, err))
		return
	}
	alert := req.Alert
	if alert == "" {
		alert = req.Text
	}
	s.create(c, req.Scenario, alert)
}

type drillRequest struct {
	AlertText string `json:"alert_text"`
}

func (s *Server) handleDrill(c *gin.Context) {
	if s.drills == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "drills not configured"})
		return
	}
	drill, err := s.drills.Get(c.Param("name"))
	if err != nil {
		abort(c, err)
		return
	}
	if !drill.Enabled {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "drill is disabled"})
		return
	}

	// The body may override the alert text.
	alert := drill.AlertText
	var body drillRequest
	if err := c.ShouldBindJSON(&body); err == nil && strings.TrimSpace(body.AlertText) != "" {
		alert = body.AlertText
	}
	slog.Info("drill triggered via webhook", "name", drill.Name, "scenario", drill.Scenario)
	s.create(c, drill.Scenario, alert)
}

// streamOffset resolves the replay offset: ?since wins, otherwise the
// index after Last-Event-ID, otherwise 0.
func streamOffset(c *gin.Context) (int64, error) {
	if q := c.Query("since"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: since must be a non-negative integer", types.ErrMalformed)
		}
		return n, nil
	}
	if h := c.GetHeader("Last-Event-ID"); h != "" {
		n, err := strconv.ParseInt(h, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: Last-Event-ID must be a non-negative integer", types.ErrMalformed)
		}
		return n + 1, nil
	}
	return 0, nil
}
