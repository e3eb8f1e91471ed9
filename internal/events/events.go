// Package events carries sync loop progress to in-process observers.
package events

import (
	"context"
	"time"
)

// SyncStatus is a snapshot of the sync loop, published on every state change
// and after every flushed batch.
type SyncStatus struct {
	State      string    `json:"state"`
	Ops        int       `json:"ops"`
	Skipped    int       `json:"skipped"`
	Noops      int       `json:"noops"`
	Failed     int       `json:"failed"`
	LastOffset string    `json:"lastOffset,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	At         time.Time `json:"at"`
}

type Publisher interface {
	PublishSyncStatus(ctx context.Context, s SyncStatus)
	SubscribeSyncStatus() <-chan SyncStatus
}

type inMemory struct{ ch chan SyncStatus }

// NewInMemory returns a Publisher with a single buffered subscriber channel.
// Publishing never blocks; updates are dropped while the buffer is full.
func NewInMemory(buffer int) Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &inMemory{ch: make(chan SyncStatus, buffer)}
}

func (m *inMemory) PublishSyncStatus(_ context.Context, s SyncStatus) {
	select {
	case m.ch <- s:
	default:
	}
}

func (m *inMemory) SubscribeSyncStatus() <-chan SyncStatus { return m.ch }
