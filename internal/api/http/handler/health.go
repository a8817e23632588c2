package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/silo-warden/internal/api/http/dto"
	"github.com/EternisAI/silo-warden/internal/credsync"
	"github.com/EternisAI/silo-warden/internal/scheduler"
)

type SyncHealth interface {
	Health() credsync.Health
}

type TaskStatuses interface {
	Status() []scheduler.TaskStatus
}

type HealthHandler struct {
	sync  SyncHealth
	tasks TaskStatuses
}

// NewHealthHandler accepts nil collaborators; missing parts are omitted
// from the response.
func NewHealthHandler(sync SyncHealth, tasks TaskStatuses) *HealthHandler {
	return &HealthHandler{sync: sync, tasks: tasks}
}

// Check answers 503 while credential sync is degraded so that external
// probes notice the tunnel server may be running with stale credentials.
func (h *HealthHandler) Check(ctx *gin.Context) {
	resp := dto.HealthResponse{Status: "ok"}
	code := http.StatusOK

	if h.sync != nil {
		hs := h.sync.Health()
		resp.Sync = &dto.SyncHealth{
			Degraded:            hs.Degraded,
			Pending:             hs.Pending,
			ConsecutiveFailures: hs.ConsecutiveFailures,
			LastError:           hs.LastError,
			LastSuccess:         timePtr(hs.LastSuccess),
		}
		if hs.Degraded {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	if h.tasks != nil {
		for _, st := range h.tasks.Status() {
			th := dto.TaskHealth{
				Name:      st.Name,
				Runs:      st.Runs,
				Failures:  st.Failures,
				LastRun:   timePtr(st.LastRun),
				LastError: st.LastError,
			}
			if st.Runs > 0 {
				th.LastTook = st.Duration.String()
			}
			resp.Tasks = append(resp.Tasks, th)
		}
	}

	ctx.JSON(code, resp)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
