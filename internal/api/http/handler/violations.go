package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/silo-warden/internal/api/http/dto"
	"github.com/EternisAI/silo-warden/internal/models"
)

const defaultViolationWindow = 24 * time.Hour

type ViolationReader interface {
	ListViolations(ctx context.Context, accountID string, since time.Time, limit int) ([]models.Violation, error)
}

type ViolationHandler struct {
	store ViolationReader
	now   func() time.Time
}

func NewViolationHandler(st ViolationReader) *ViolationHandler {
	return &ViolationHandler{store: st, now: time.Now}
}

// List returns recent violations. Query parameters: account_id, since
// (RFC3339, default 24h ago) and limit (default 100).
func (h *ViolationHandler) List(c *gin.Context) {
	since := h.now().Add(-defaultViolationWindow)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(maxPageSize)))
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}

	list, err := h.store.ListViolations(c.Request.Context(), c.Query("account_id"), since, limit)
	if err != nil {
		slog.Error("Failed to list violations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, dto.ListViolationsResponse{
		Violations: dto.NewViolationResponses(list),
		Count:      len(list),
	})
}
