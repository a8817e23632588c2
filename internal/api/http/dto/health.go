package dto

import "time"

type HealthResponse struct {
	Status string       `json:"status"`
	Sync   *SyncHealth  `json:"sync,omitempty"`
	Tasks  []TaskHealth `json:"tasks,omitempty"`
}

type SyncHealth struct {
	Degraded            bool       `json:"degraded"`
	Pending             bool       `json:"pending"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
}

type TaskHealth struct {
	Name      string     `json:"name"`
	Runs      int64      `json:"runs"`
	Failures  int64      `json:"failures"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	LastTook  string     `json:"last_took,omitempty"`
}
