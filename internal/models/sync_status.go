package models

// SyncStatusSnapshot summarizes the queue for the UI. It is derived on every
// request and never persisted.
type SyncStatusSnapshot struct {
	HasPendingOperations bool   `json:"hasPendingOperations"`
	PendingCount         int    `json:"pendingCount"`
	FailedCount          int    `json:"failedCount"`
	TotalCount           int    `json:"totalCount"`
	Message              string `json:"message"`
}
