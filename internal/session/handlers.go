package session

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/event"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/pagination"
)

// RecoveryObserver reports recovery progress for a session. Implemented
// by the recovery state machine; optional so the session API can run
// without it.
type RecoveryObserver interface {
	// Status returns the current recovery step name and whether a
	// recovery is in flight for the session.
	Status(sessionID string) (step string, active bool)
}

// Handler provides HTTP handlers for session operations.
type Handler struct {
	manager  *Manager
	recovery RecoveryObserver // optional
}

// NewHandler creates a session handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// WithRecovery adds recovery status to session views.
func (h *Handler) WithRecovery(r RecoveryObserver) *Handler {
	h.recovery = r
	return h
}

// RegisterRoutes sets up the session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions/:id", h.GetSession)
	r.POST("/sessions/:id/location", h.ReportLocation)
	r.POST("/sessions/:id/signals", h.ReportSignal)
	r.GET("/sessions/:id/events", h.ListEvents)
	r.GET("/sessions/:id/otp", h.ListOTPActivity)
	r.GET("/sessions/:id/audit", h.ListAudit)
}

// CreateSessionRequest opens a monitored session.
type CreateSessionRequest struct {
	Fingerprint string         `json:"fingerprint" binding:"required"`
	Device      DeviceMetadata `json:"device"`
}

// CreateSession handles POST /sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "fingerprint is required",
		})
		return
	}

	s := h.manager.Create(c.Request.Context(), req.Fingerprint, req.Device)
	view, _ := h.manager.View(s.ID)
	c.JSON(http.StatusCreated, h.withRecoveryStatus(s.ID, view))
}

// GetSession handles GET /sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	view, ok := h.manager.View(id)
	if !ok {
		h.notFound(c, id)
		return
	}
	c.JSON(http.StatusOK, h.withRecoveryStatus(id, view))
}

// ReportLocation handles POST /sessions/:id/location
func (h *Handler) ReportLocation(c *gin.Context) {
	id := c.Param("id")

	var fix LocationFix
	if err := c.ShouldBindJSON(&fix); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid location payload",
		})
		return
	}

	profile, err := h.manager.ReportLocation(c.Request.Context(), id, fix)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			h.notFound(c, id)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "location_failed",
			"message": "Failed to record location",
		})
		return
	}
	c.JSON(http.StatusOK, profile)
}

// ReportSignal handles POST /sessions/:id/signals
func (h *Handler) ReportSignal(c *gin.Context) {
	id := c.Param("id")
	ctx := logging.WithSessionID(c.Request.Context(), id)

	var sig Signal
	if err := c.ShouldBindJSON(&sig); err != nil || sig.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "signal type is required",
		})
		return
	}
	// Severity is a closed enum; the postgres audit store enforces the
	// same set, so reject off-enum values before they split the
	// backends' behavior.
	if sig.Severity != event.SeverityHigh && sig.Severity != event.SeverityCritical {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "severity must be high or critical",
		})
		return
	}

	e, err := h.manager.ApplySignal(ctx, id, sig)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			h.notFound(c, id)
		case errors.Is(err, ErrLockdownActive):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "lockdown_active",
				"message": "Session is locked down; signals are rejected until recovery completes",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "signal_failed",
				"message": "Failed to process signal",
			})
		}
		return
	}

	view, _ := h.manager.View(id)
	c.JSON(http.StatusCreated, gin.H{
		"event":    e,
		"risk":     view.Risk,
		"lockdown": view.Lockdown,
	})
}

// ListEvents handles GET /sessions/:id/events
// Supports ?limit= and ?cursor= for paging through long signal logs.
func (h *Handler) ListEvents(c *gin.Context) {
	id := c.Param("id")
	events, ok := h.manager.Events(id)
	if !ok {
		h.notFound(c, id)
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}
	if cur != nil {
		// Events are most-recent-first; resume just past the cursor event.
		resumed := false
		for i, e := range events {
			if e.ID == cur.ID {
				events = events[i+1:]
				resumed = true
				break
			}
		}
		if !resumed {
			// Cursor event was reset away; fall back to the timestamp.
			var rest []*event.SecurityEvent
			for _, e := range events {
				if e.ObservedAt.Before(cur.ObservedAt) {
					rest = append(rest, e)
				}
			}
			events = rest
		}
	}

	if len(events) > limit+1 {
		events = events[:limit+1]
	}
	page, next, hasMore := pagination.ComputePage(events, limit, func(e *event.SecurityEvent) (time.Time, string) {
		return e.ObservedAt, e.ID
	})
	if page == nil {
		page = []*event.SecurityEvent{}
	}

	resp := gin.H{
		"events":  page,
		"count":   len(page),
		"hasMore": hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// ListOTPActivity handles GET /sessions/:id/otp
func (h *Handler) ListOTPActivity(c *gin.Context) {
	id := c.Param("id")
	otp, ok := h.manager.OTPActivity(id)
	if !ok {
		h.notFound(c, id)
		return
	}
	if otp == nil {
		otp = []OTPActivity{}
	}
	c.JSON(http.StatusOK, gin.H{
		"activity": otp,
		"count":    len(otp),
	})
}

// ListAudit handles GET /sessions/:id/audit
func (h *Handler) ListAudit(c *gin.Context) {
	id := c.Param("id")

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	events, err := h.manager.Audit(c.Request.Context(), id, limit)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			h.notFound(c, id)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "audit_failed",
			"message": "Failed to load audit trail",
		})
		return
	}
	if events == nil {
		events = []*event.SecurityEvent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// sessionResponse is a View plus recovery progress.
type sessionResponse struct {
	*View
	Recovery *recoveryStatus `json:"recovery,omitempty"`
}

type recoveryStatus struct {
	Step   string `json:"step"`
	Active bool   `json:"active"`
}

func (h *Handler) withRecoveryStatus(id string, view *View) *sessionResponse {
	resp := &sessionResponse{View: view}
	if h.recovery != nil {
		if step, active := h.recovery.Status(id); active {
			resp.Recovery = &recoveryStatus{Step: step, Active: true}
		}
	}
	return resp
}

func (h *Handler) notFound(c *gin.Context, id string) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "session_not_found",
		"message": "No session with ID " + id,
	})
}
