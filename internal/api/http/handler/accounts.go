package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/silo-warden/internal/accounts"
	"github.com/EternisAI/silo-warden/internal/api/http/dto"
	"github.com/EternisAI/silo-warden/internal/api/http/middleware"
	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/store"
)

type AccountManager interface {
	Suspend(ctx context.Context, accountID string, reason accounts.Reason, actor string) (bool, error)
	Activate(ctx context.Context, accountID, actor string) (bool, error)
}

type SessionTerminator interface {
	TerminateAll(ctx context.Context, accountID, actor string) ([]models.Session, error)
}

type CredentialSyncer interface {
	Sync(ctx context.Context) error
}

type AccountHandler struct {
	accounts   AccountManager
	terminator SessionTerminator
	syncer     CredentialSyncer
}

func NewAccountHandler(am AccountManager, t SessionTerminator, s CredentialSyncer) *AccountHandler {
	return &AccountHandler{accounts: am, terminator: t, syncer: s}
}

func (h *AccountHandler) Suspend(c *gin.Context) {
	var req dto.SuspendRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	id := c.Param("id")
	changed, err := h.accounts.Suspend(c.Request.Context(), id, accounts.Reason{
		Action:  models.AuditManualSuspend,
		Details: req.Reason,
	}, middleware.Actor(c))
	if !h.writeStatusError(c, id, err) {
		return
	}
	c.JSON(http.StatusOK, dto.StatusChangeResponse{
		AccountID: id,
		Status:    string(models.AccountStatusSuspended),
		Changed:   changed,
	})
}

func (h *AccountHandler) Activate(c *gin.Context) {
	id := c.Param("id")
	changed, err := h.accounts.Activate(c.Request.Context(), id, middleware.Actor(c))
	if !h.writeStatusError(c, id, err) {
		return
	}
	c.JSON(http.StatusOK, dto.StatusChangeResponse{
		AccountID: id,
		Status:    string(models.AccountStatusActive),
		Changed:   changed,
	})
}

func (h *AccountHandler) Terminate(c *gin.Context) {
	id := c.Param("id")
	terminated, err := h.terminator.TerminateAll(c.Request.Context(), id, middleware.Actor(c))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		slog.Error("Failed to terminate sessions", "account_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, dto.TerminateResponse{
		AccountID:  id,
		Terminated: dto.NewSessionResponses(terminated),
		Count:      len(terminated),
	})
}

// Sync forces a credential sync and reports its outcome.
func (h *AccountHandler) Sync(c *gin.Context) {
	if h.syncer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "credential sync is not configured"})
		return
	}
	if err := h.syncer.Sync(c.Request.Context()); err != nil {
		slog.Warn("Manual credential sync failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.SyncResponse{Status: "synced"})
}

// writeStatusError writes the response for a failed status change and
// reports whether the handler should continue.
func (h *AccountHandler) writeStatusError(c *gin.Context, id string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
	case errors.Is(err, accounts.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.Error("Failed to change account status", "account_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
	return false
}
