package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders transmission across tiers.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the sort rank of the priority (lower drains first).
// Unknown priorities rank with normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is one of the three tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ParsePriority converts a string to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q: must be high, normal or low", s)
	}
	return p, nil
}

// Priorities lists the tiers in drain order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Status is the lifecycle state of a MutationRecord.
//
//	pending → syncing → synced (terminal)
//	                  → pending (retries remain)
//	                  → failed  (terminal)
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusFailed
}

// NewMutation is the caller-supplied part of a MutationRecord.
type NewMutation struct {
	Endpoint string          `json:"endpoint"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload"`
	Priority Priority        `json:"priority,omitempty"`
}

// MutationRecord is a queued, not-yet-confirmed local write.
type MutationRecord struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	CreatedAt     time.Time       `json:"created_at"`
	Endpoint      string          `json:"endpoint"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload"`
	Priority      Priority        `json:"priority"`
	RetryCount    int             `json:"retry_count"`
	Status        Status          `json:"status"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitzero"`
	LastError     string          `json:"last_error,omitempty"`
}

// Due reports whether the record's backoff has elapsed at now.
func (r MutationRecord) Due(now time.Time) bool {
	return r.NextAttemptAt.IsZero() || !now.Before(r.NextAttemptAt)
}

// CacheEntry is a cached read value with an expiry time.
type CacheEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Fresh reports whether the entry may be served as fresh at now.
func (e CacheEntry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// NetworkState is the connectivity snapshot owned by the network monitor.
type NetworkState struct {
	Online           bool      `json:"online"`
	LastTransitionAt time.Time `json:"last_transition_at,omitzero"`
}

// SyncStats aggregates the outcome of one drain pass.
type SyncStats struct {
	Success   int       `json:"success"`
	Failure   int       `json:"failure"`
	Remaining int       `json:"remaining"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// SyncRun is a persisted record of a finished drain pass.
type SyncRun struct {
	ID int64 `json:"id"`
	SyncStats
	Error string `json:"error,omitempty"`
}

// QueueStats counts queued records by tier and status.
type QueueStats struct {
	Total      int              `json:"total"`
	ByPriority map[Priority]int `json:"by_priority"`
	ByStatus   map[Status]int   `json:"by_status"`
}
