package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/yourorg/catalog-search/internal/search"
)

type harness struct {
	src    *fakeSource
	idx    *memIndex
	pub    *capturePublisher
	waits  []time.Duration
	hook   *test.Hook
	cancel context.CancelFunc
	c      *Consumer
}

func newHarness(t *testing.T, batches [][]Message, opts ...Option) *harness {
	t.Helper()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	h := &harness{
		src:  &fakeSource{batches: batches},
		idx:  newMemIndex(),
		pub:  &capturePublisher{},
		hook: hook,
	}
	h.idx.source = h.src
	base := []Option{WithLogger(log), WithPublisher(h.pub), WithHeartbeatInterval(time.Hour)}
	h.c = NewConsumer(h.src, h.idx, append(base, opts...)...)
	h.c.sleep = func(_ context.Context, d time.Duration) { h.waits = append(h.waits, d) }
	return h
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.cancel = cancel
	h.src.drained = cancel
	err := h.c.Run(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.Fatal("consumer did not drain its batches in time")
	}
	return err
}

func TestConsumerAppliesBatches(t *testing.T) {
	h := newHarness(t, [][]Message{
		{msgAt(0, 1, upsertJSON("c", 1, "a")), msgAt(0, 2, upsertJSON("c", 2, "b"))},
		{msgAt(0, 3, upsertJSON("u", 1, "a2")), msgAt(0, 4, deleteJSON(2))},
	})
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := map[string]search.Document{"1": *doc(1, "a2")}
	if diff := cmp.Diff(want, h.idx.snapshot()); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}
	if h.idx.calls != 2 {
		t.Errorf("bulk calls = %d, want one per batch", h.idx.calls)
	}
	if diff := cmp.Diff([]int64{1, 2, 3, 4}, h.src.marked); diff != "" {
		t.Errorf("marked mismatch (-want +got):\n%s", diff)
	}
	if !h.src.closed || h.c.State() != Disconnected {
		t.Errorf("closed %v state %s", h.src.closed, h.c.State())
	}
}

func TestConsumerIdempotentReplay(t *testing.T) {
	create := msgAt(0, 1, upsertJSON("c", 7, "joran"))
	h := newHarness(t, [][]Message{{create}, {create}})
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := map[string]search.Document{"7": *doc(7, "joran")}
	if diff := cmp.Diff(want, h.idx.snapshot()); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}
}

func TestConsumerDeleteOfMissingDocumentIsNotFatal(t *testing.T) {
	h := newHarness(t, [][]Message{
		{msgAt(0, 1, deleteJSON(99))},
		{msgAt(0, 2, upsertJSON("c", 1, "after"))},
	})
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := h.idx.snapshot()["1"]; !ok {
		t.Error("loop stopped after delete of a missing document")
	}
	if len(h.waits) != 0 {
		t.Errorf("unexpected backoff %v", h.waits)
	}
}

func TestConsumerCommitOnEnqueue(t *testing.T) {
	h := newHarness(t, [][]Message{
		{msgAt(0, 1, upsertJSON("c", 1, "lost"))},
		{msgAt(0, 2, upsertJSON("c", 2, "kept"))},
	}, WithCommitPolicy(CommitOnEnqueue), WithBackoff(10*time.Millisecond, 15*time.Millisecond))
	h.idx.failures = 1

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantCalls := []string{"poll", "mark", "bulk", "commit", "poll", "mark", "bulk", "commit"}
	if diff := cmp.Diff(wantCalls, h.src.calls); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
	want := map[string]search.Document{"2": *doc(2, "kept")}
	if diff := cmp.Diff(want, h.idx.snapshot()); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}
	if h.src.rewinds != 0 {
		t.Errorf("rewinds = %d, want 0", h.src.rewinds)
	}
	if diff := cmp.Diff([]time.Duration{10 * time.Millisecond}, h.waits); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
}

func TestConsumerCommitOnFlushRedelivers(t *testing.T) {
	h := newHarness(t, [][]Message{
		{msgAt(0, 1, upsertJSON("c", 1, "eventually"))},
	}, WithCommitPolicy(CommitOnFlush), WithBackoff(10*time.Millisecond, 15*time.Millisecond))
	h.idx.failures = 2

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantCalls := []string{
		"poll", "bulk", "rewind",
		"poll", "bulk", "rewind",
		"poll", "bulk", "mark", "commit",
	}
	if diff := cmp.Diff(wantCalls, h.src.calls); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
	want := map[string]search.Document{"1": *doc(1, "eventually")}
	if diff := cmp.Diff(want, h.idx.snapshot()); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{10 * time.Millisecond, 15 * time.Millisecond}, h.waits); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
}

func TestConsumerFatalConnect(t *testing.T) {
	h := newHarness(t, nil)
	h.src.connectErr = errBrokerDown
	err := h.c.Run(context.Background())
	if !errors.Is(err, ErrFatalConnect) || !errors.Is(err, errBrokerDown) {
		t.Fatalf("err = %v, want ErrFatalConnect wrapping the cause", err)
	}
	if h.c.State() != Disconnected {
		t.Errorf("state = %s", h.c.State())
	}
}

func TestConsumerHeartbeatsDuringFlush(t *testing.T) {
	h := newHarness(t, [][]Message{{msgAt(0, 1, upsertJSON("c", 1, "slow"))}},
		WithHeartbeatInterval(5*time.Millisecond))
	h.idx.before = func(ctx context.Context) {
		deadline := time.Now().Add(5 * time.Second)
		for h.src.heartbeatCount() < 2 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.src.heartbeatCount(); n < 2 {
		t.Errorf("heartbeats = %d, want at least 2 during flush", n)
	}
}

func TestConsumerFlushesBatchInHandOnShutdown(t *testing.T) {
	h := newHarness(t, [][]Message{{msgAt(0, 1, upsertJSON("c", 1, "in-hand"))}},
		WithShutdownTimeout(time.Second))
	h.idx.before = func(ctx context.Context) {
		h.cancel()
		time.Sleep(20 * time.Millisecond)
	}
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := h.idx.snapshot()["1"]; !ok {
		t.Error("batch in hand was not flushed on shutdown")
	}
	if h.src.commits != 1 {
		t.Errorf("commits = %d, want 1", h.src.commits)
	}
}

func TestConsumerSkipsMalformedAndLogsItemFailures(t *testing.T) {
	h := newHarness(t, [][]Message{{
		msgAt(0, 1, `{"op":"z","after":{"id":1}}`),
		msgAt(0, 2, upsertJSON("c", 2, "fine")),
	}})
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := h.idx.snapshot()["2"]; !ok {
		t.Error("valid event in the same batch was not applied")
	}
	var warned bool
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "skipping malformed change event" {
			warned = true
		}
	}
	if !warned {
		t.Error("malformed event was not logged")
	}
}

func TestConsumerPublishesStatus(t *testing.T) {
	h := newHarness(t, [][]Message{{msgAt(0, 5, upsertJSON("c", 1, "a")), msgAt(0, 6, ``)}})
	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var states []string
	var flushed bool
	for _, u := range h.pub.updates {
		if u.Ops > 0 {
			flushed = true
			if u.Ops != 1 || u.Noops != 1 || u.LastOffset != testTopic+"/0@6" {
				t.Errorf("flush status = %+v", u)
			}
			continue
		}
		states = append(states, u.State)
	}
	if !flushed {
		t.Error("no flush status published")
	}
	want := []string{"connecting", "subscribed", "receiving", "flushing", "receiving", "disconnected"}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("state transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCommitPolicy(t *testing.T) {
	for in, want := range map[string]CommitPolicy{"": CommitOnEnqueue, "on_enqueue": CommitOnEnqueue, "on_flush": CommitOnFlush} {
		got, err := ParseCommitPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseCommitPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseCommitPolicy("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestBackoff(t *testing.T) {
	b := newBackoff(100*time.Millisecond, 300*time.Millisecond)
	var got []time.Duration
	for i := 0; i < 4; i++ {
		got = append(got, b.Next())
	}
	b.Reset()
	got = append(got, b.Next())
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond, 100 * time.Millisecond}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
}
