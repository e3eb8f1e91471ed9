package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/yourorg/catalog-search/internal/events"
	"github.com/yourorg/catalog-search/internal/search"
)

// fakeSource hands out queued batches and calls drained once the queue is
// empty. Rewound messages are queued again.
type fakeSource struct {
	mu         sync.Mutex
	connectErr error
	batches    [][]Message
	drained    func()

	heartbeats int
	marked     []int64
	commits    int
	rewinds    int
	closed     bool
	calls      []string
}

func (f *fakeSource) Connect(context.Context) error { return f.connectErr }

func (f *fakeSource) Poll(ctx context.Context) ([]Message, error) {
	f.mu.Lock()
	if len(f.batches) == 0 {
		f.mu.Unlock()
		if f.drained != nil {
			f.drained()
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	f.calls = append(f.calls, "poll")
	f.mu.Unlock()
	return b, nil
}

func (f *fakeSource) Heartbeat(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeSource) MarkProcessed(msgs []Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "mark")
	for _, m := range msgs {
		f.marked = append(f.marked, m.Offset.Offset)
	}
}

func (f *fakeSource) Commit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "commit")
	f.commits++
	return nil
}

func (f *fakeSource) Rewind(_ context.Context, msgs []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "rewind")
	f.rewinds++
	f.batches = append([][]Message{msgs}, f.batches...)
	return nil
}

func (f *fakeSource) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSource) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

// memIndex is an in-memory BulkWriter with the delete semantics of the
// search engine.
type memIndex struct {
	mu       sync.Mutex
	docs     map[string]search.Document
	failures int
	calls    int
	source   *fakeSource
	before   func(ctx context.Context) // runs at the start of every Bulk call
}

func newMemIndex() *memIndex { return &memIndex{docs: map[string]search.Document{}} }

func (m *memIndex) Bulk(ctx context.Context, ops []search.BulkOperation) (search.BulkResult, error) {
	if m.before != nil {
		m.before(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.source != nil {
		m.source.mu.Lock()
		m.source.calls = append(m.source.calls, "bulk")
		m.source.mu.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return search.BulkResult{}, fmt.Errorf("%w: %v", search.ErrTransport, err)
	}
	if m.failures > 0 {
		m.failures--
		return search.BulkResult{}, fmt.Errorf("%w: connection refused", search.ErrTransport)
	}
	var res search.BulkResult
	for _, op := range ops {
		switch op.Kind {
		case search.OpUpsert:
			m.docs[op.Key] = *op.Doc
			res.Indexed++
		case search.OpDelete:
			if _, ok := m.docs[op.Key]; !ok {
				res.NotFound++
				continue
			}
			delete(m.docs, op.Key)
			res.Deleted++
		default:
			res.Failed = append(res.Failed, search.ItemError{Action: op.Kind.String(), Key: op.Key, Status: 400})
		}
	}
	return res, nil
}

func (m *memIndex) snapshot() map[string]search.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]search.Document, len(m.docs))
	for k, v := range m.docs {
		out[k] = v
	}
	return out
}

type capturePublisher struct {
	mu      sync.Mutex
	updates []events.SyncStatus
}

func (p *capturePublisher) PublishSyncStatus(_ context.Context, s events.SyncStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, s)
}

func (p *capturePublisher) SubscribeSyncStatus() <-chan events.SyncStatus { return nil }

var errBrokerDown = errors.New("dial tcp: connection refused")
