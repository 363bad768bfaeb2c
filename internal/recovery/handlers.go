package recovery

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP handlers for recovery operations.
type Handler struct {
	machine *Machine
}

// NewHandler creates a recovery handler.
func NewHandler(machine *Machine) *Handler {
	return &Handler{machine: machine}
}

// RegisterRoutes sets up the recovery routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/:id/recovery", h.BeginRecovery)
	r.GET("/sessions/:id/recovery", h.GetRecovery)
}

// BeginRecovery handles POST /sessions/:id/recovery
func (h *Handler) BeginRecovery(c *gin.Context) {
	id := c.Param("id")

	step, err := h.machine.Begin(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownSession):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "session_not_found",
				"message": "No session with ID " + id,
			})
		case errors.Is(err, ErrNotLockedDown):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_locked_down",
				"message": "Recovery is only available while the session is locked down",
			})
		case errors.Is(err, ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "recovery_in_progress",
				"message": "A recovery is already running for this session",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "recovery_failed",
				"message": "Failed to start recovery",
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"sessionId": id,
		"step":      string(step),
		"active":    true,
	})
}

// GetRecovery handles GET /sessions/:id/recovery
func (h *Handler) GetRecovery(c *gin.Context) {
	id := c.Param("id")
	step, active := h.machine.Status(id)
	c.JSON(http.StatusOK, gin.H{
		"sessionId": id,
		"step":      step,
		"active":    active,
	})
}
