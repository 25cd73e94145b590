package engine

import (
	"time"

	"github.com/roach88/offsync/internal/model"
)

// Started is published when a drain pass begins.
type Started struct {
	QueueLength int `json:"queue_length"`
}

// ItemSynced is published when the remote acknowledges a record.
type ItemSynced struct {
	Record  model.MutationRecord `json:"record"`
	Attempt int                  `json:"attempt"`
}

// ItemFailed is published once per record that leaves the queue unsynced,
// either rejected permanently or out of retries.
type ItemFailed struct {
	Record model.MutationRecord `json:"record"`
	Err    error                `json:"-"`
}

// ItemRetrying is published when a transient failure leaves a record
// pending with attempts left.
type ItemRetrying struct {
	Record model.MutationRecord `json:"record"`
	Err    error                `json:"-"`
	Delay  time.Duration        `json:"delay"`
}

// Completed is published when a drain pass ends, successfully or not.
type Completed struct {
	model.SyncStats
}
