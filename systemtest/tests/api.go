package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/silo-warden/internal/api/http/dto"
)

// TestAdminAPI runs after TestEnforcementFlow and relies on its outcome.
func TestAdminAPI(t *testing.T, router *gin.Engine) {
	t.Run("health", func(t *testing.T) {
		rr := doJSON(router, "GET", "/health", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("violations for suspended account", func(t *testing.T) {
		rr := doJSON(router, "GET", "/api/v1/violations?account_id=heavy-user", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp dto.ListViolationsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
		assert.Equal(t, "bandwidth", resp.Violations[0].Type)
	})

	t.Run("activate restores the account", func(t *testing.T) {
		rr := doJSON(router, "POST", "/api/v1/accounts/heavy-user/activate", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp dto.StatusChangeResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.True(t, resp.Changed)
	})

	t.Run("session history", func(t *testing.T) {
		rr := doJSON(router, "GET", "/api/v1/accounts/port-user/sessions?page_size=10", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp dto.SessionHistoryResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Len(t, resp.Sessions, 2)
	})

	t.Run("terminate unknown account", func(t *testing.T) {
		rr := doJSON(router, "POST", "/api/v1/accounts/ghost/terminate", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
