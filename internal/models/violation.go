package models

import "time"

type ViolationType string

const (
	ViolationMultiDevice ViolationType = "multi_device"
	ViolationBandwidth   ViolationType = "bandwidth"
)

// Violation is an append-only record of a policy breach.
type Violation struct {
	ID        string
	AccountID string
	Type      ViolationType
	Timestamp time.Time
	Details   string
}

type DeviceFingerprint struct {
	AccountID string
	Hash      string
	FirstSeen time.Time
	LastSeen  time.Time
}

type AuditAction string

const (
	AuditMultiDeviceViolation   AuditAction = "multi_device_violation"
	AuditAutoSuspendMultiDevice AuditAction = "auto_suspend_multi_device"
	AuditAutoSuspendBandwidth   AuditAction = "auto_suspend_bandwidth"
	AuditManualSuspend          AuditAction = "manual_suspend"
	AuditManualActivate         AuditAction = "manual_activate"
	AuditTerminateSession       AuditAction = "terminate_session"
	AuditTerminateAll           AuditAction = "terminate_all"
)

const ActorSystem = "system"

type AuditEntry struct {
	ID        string
	AccountID string
	Action    AuditAction
	Actor     string
	Details   string
	CreatedAt time.Time
}
