package dto

import (
	"time"

	"github.com/EternisAI/silo-warden/internal/models"
)

type SessionResponse struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"account_id"`
	ClientIP        string     `json:"client_ip"`
	ClientPort      int        `json:"client_port"`
	ServerPort      int        `json:"server_port"`
	StartTime       time.Time  `json:"start_time"`
	LastHeartbeat   time.Time  `json:"last_heartbeat"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	BytesIn         int64      `json:"bytes_in"`
	BytesOut        int64      `json:"bytes_out"`
	Status          string     `json:"status"`
	CloseReason     string     `json:"close_reason,omitempty"`
}

func NewSessionResponse(s models.Session) SessionResponse {
	return SessionResponse{
		ID:              s.ID,
		AccountID:       s.AccountID,
		ClientIP:        s.ClientIP.String(),
		ClientPort:      s.ClientPort,
		ServerPort:      s.ServerPort,
		StartTime:       s.StartTime,
		LastHeartbeat:   s.LastHeartbeat,
		EndTime:         s.EndTime,
		DurationSeconds: s.DurationSeconds,
		BytesIn:         s.BytesIn,
		BytesOut:        s.BytesOut,
		Status:          string(s.Status),
		CloseReason:     string(s.CloseReason),
	}
}

func NewSessionResponses(in []models.Session) []SessionResponse {
	out := make([]SessionResponse, len(in))
	for i, s := range in {
		out[i] = NewSessionResponse(s)
	}
	return out
}

type LiveAccountSessions struct {
	AccountID string            `json:"account_id"`
	Count     int               `json:"count"`
	Sessions  []SessionResponse `json:"sessions"`
}

type LiveSessionsResponse struct {
	Total    int                   `json:"total"`
	Accounts []LiveAccountSessions `json:"accounts"`
}

type SessionHistoryResponse struct {
	AccountID string            `json:"account_id"`
	Sessions  []SessionResponse `json:"sessions"`
	Page      int               `json:"page"`
	PageSize  int               `json:"page_size"`
}
