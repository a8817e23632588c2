package dto

type SuspendRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

type StatusChangeResponse struct {
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
	Changed   bool   `json:"changed"`
}

type TerminateResponse struct {
	AccountID  string            `json:"account_id"`
	Terminated []SessionResponse `json:"terminated"`
	Count      int               `json:"count"`
}

type SyncResponse struct {
	Status string `json:"status"`
}
