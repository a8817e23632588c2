package dto

import (
	"time"

	"github.com/EternisAI/silo-warden/internal/models"
)

type ViolationResponse struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

type ListViolationsResponse struct {
	Violations []ViolationResponse `json:"violations"`
	Count      int                 `json:"count"`
}

func NewViolationResponses(in []models.Violation) []ViolationResponse {
	out := make([]ViolationResponse, len(in))
	for i, v := range in {
		out[i] = ViolationResponse{
			ID:        v.ID,
			AccountID: v.AccountID,
			Type:      string(v.Type),
			Timestamp: v.Timestamp,
			Details:   v.Details,
		}
	}
	return out
}
