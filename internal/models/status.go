package models

import "time"

// SyncStatus is the part of the coordinator's state that outlives a process.
type SyncStatus struct {
	LastSyncTime time.Time `json:"last_sync_time"`
	LastError    string    `json:"last_error,omitempty"`
}

// IsZero reports whether nothing has been recorded yet.
func (s *SyncStatus) IsZero() bool {
	return s == nil || (s.LastSyncTime.IsZero() && s.LastError == "")
}
