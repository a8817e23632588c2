package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/silo-warden/internal/api/http/dto"
	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type SessionReader interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListActiveSessions(ctx context.Context) ([]models.Session, error)
	ListActiveSessionsByAccount(ctx context.Context, accountID string) ([]models.Session, error)
	ListSessionHistory(ctx context.Context, accountID string, limit, offset int) ([]models.Session, error)
}

type SessionHandler struct {
	store SessionReader
}

func NewSessionHandler(st SessionReader) *SessionHandler {
	return &SessionHandler{store: st}
}

// Live lists every live session grouped by account.
func (h *SessionHandler) Live(c *gin.Context) {
	live, err := h.store.ListActiveSessions(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list live sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	byAccount := make(map[string][]models.Session)
	for _, s := range live {
		byAccount[s.AccountID] = append(byAccount[s.AccountID], s)
	}
	ids := make([]string, 0, len(byAccount))
	for id := range byAccount {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	resp := dto.LiveSessionsResponse{Total: len(live), Accounts: make([]dto.LiveAccountSessions, 0, len(ids))}
	for _, id := range ids {
		resp.Accounts = append(resp.Accounts, dto.LiveAccountSessions{
			AccountID: id,
			Count:     len(byAccount[id]),
			Sessions:  dto.NewSessionResponses(byAccount[id]),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SessionHandler) AccountLive(c *gin.Context) {
	id := c.Param("id")
	if !h.accountExists(c, id) {
		return
	}

	live, err := h.store.ListActiveSessionsByAccount(c.Request.Context(), id)
	if err != nil {
		slog.Error("Failed to list account sessions", "account_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, dto.LiveAccountSessions{
		AccountID: id,
		Count:     len(live),
		Sessions:  dto.NewSessionResponses(live),
	})
}

func (h *SessionHandler) AccountHistory(c *gin.Context) {
	id := c.Param("id")
	if !h.accountExists(c, id) {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultPageSize)))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	history, err := h.store.ListSessionHistory(c.Request.Context(), id, pageSize, (page-1)*pageSize)
	if err != nil {
		slog.Error("Failed to list session history", "account_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, dto.SessionHistoryResponse{
		AccountID: id,
		Sessions:  dto.NewSessionResponses(history),
		Page:      page,
		PageSize:  pageSize,
	})
}

func (h *SessionHandler) accountExists(c *gin.Context, id string) bool {
	if _, err := h.store.GetAccount(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return false
		}
		slog.Error("Failed to load account", "account_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return false
	}
	return true
}
