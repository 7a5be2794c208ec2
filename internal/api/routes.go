package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tastydata/internal/scheduler"
)

const version = "1.0.0"

// DBChecker is the database health surface.
type DBChecker interface {
	HealthCheck(ctx context.Context) error
}

// SessionChecker reports token freshness without forcing a refresh.
type SessionChecker interface {
	Fresh() bool
}

// StreamChecker is the streaming subscription's status surface.
type StreamChecker interface {
	IsRunning() bool
	Symbols() []string
}

// PollChecker is the polling worker's status surface.
type PollChecker interface {
	IsRunning() bool
	LastUpdate() time.Time
}

// CronChecker is the nightly trigger's status surface.
type CronChecker interface {
	InFlight() bool
	LastRun() (scheduler.RunStatus, bool)
	NextRun() time.Time
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Services  Services  `json:"services"`
}

type Services struct {
	Database string `json:"database"`
	Session  string `json:"session"`
}

type StatusResponse struct {
	Subscription *SubscriptionStatus `json:"subscription,omitempty"`
	Poller       *PollerStatus       `json:"poller,omitempty"`
	Nightly      *NightlyStatus      `json:"nightly,omitempty"`
}

type SubscriptionStatus struct {
	Running bool     `json:"running"`
	Symbols []string `json:"symbols"`
}

type PollerStatus struct {
	Running    bool       `json:"running"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
}

type NightlyStatus struct {
	InFlight bool                 `json:"in_flight"`
	NextRun  *time.Time           `json:"next_run,omitempty"`
	LastRun  *scheduler.RunStatus `json:"last_run,omitempty"`
}

// Handler serves the ops endpoints. Components that are not wired in this
// deployment stay nil and are simply omitted from /status.
type Handler struct {
	db      DBChecker
	session SessionChecker
	stream  StreamChecker
	poller  PollChecker
	nightly CronChecker
	logger  *logrus.Logger
}

// NewHandler creates the ops handler.
func NewHandler(db DBChecker, session SessionChecker, stream StreamChecker, poller PollChecker, nightly CronChecker, logger *logrus.Logger) *Handler {
	return &Handler{
		db:      db,
		session: session,
		stream:  stream,
		poller:  poller,
		nightly: nightly,
		logger:  logger,
	}
}

// Routes registers the ops endpoints on the router.
func (h *Handler) Routes(router *gin.Engine) {
	router.GET("/health", h.healthCheck)
	router.GET("/status", h.statusCheck)
}

func (h *Handler) healthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   version,
		Services: Services{
			Database: "ok",
			Session:  "ok",
		},
	}

	if h.db == nil {
		response.Services.Database = "not configured"
		response.Status = "degraded"
	} else if err := h.db.HealthCheck(c.Request.Context()); err != nil {
		h.logger.WithError(err).Warn("Database health check failed")
		response.Services.Database = "error"
		response.Status = "degraded"
	}

	if h.session == nil {
		response.Services.Session = "not configured"
		response.Status = "degraded"
	} else if !h.session.Fresh() {
		response.Services.Session = "stale"
		response.Status = "degraded"
	}

	statusCode := http.StatusOK
	if response.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

func (h *Handler) statusCheck(c *gin.Context) {
	response := StatusResponse{}

	if h.stream != nil {
		response.Subscription = &SubscriptionStatus{
			Running: h.stream.IsRunning(),
			Symbols: h.stream.Symbols(),
		}
	}

	if h.poller != nil {
		status := &PollerStatus{Running: h.poller.IsRunning()}
		if last := h.poller.LastUpdate(); !last.IsZero() {
			status.LastUpdate = &last
		}
		response.Poller = status
	}

	if h.nightly != nil {
		status := &NightlyStatus{InFlight: h.nightly.InFlight()}
		if next := h.nightly.NextRun(); !next.IsZero() {
			status.NextRun = &next
		}
		if last, ok := h.nightly.LastRun(); ok {
			status.LastRun = &last
		}
		response.Nightly = status
	}

	c.JSON(http.StatusOK, response)
}
