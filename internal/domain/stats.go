package domain

import "time"

// Stats is the read-only operational summary of the store.
type Stats struct {
	TotalMessages        int64      `json:"total_messages"`
	ActiveSessions       int64      `json:"active_sessions"`
	DatabaseSizeBytes    int64      `json:"database_size_bytes"`
	CredentialsUpdatedAt *time.Time `json:"credentials_updated_at,omitempty"`
}
