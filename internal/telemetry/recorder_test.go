package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type memWriter struct {
	mu      sync.Mutex
	entries []Entry
	started chan struct{}
	release chan struct{}
	err     error
}

func (w *memWriter) WriteEntry(ctx context.Context, e Entry) error {
	if w.started != nil {
		w.started <- struct{}{}
	}
	if w.release != nil {
		<-w.release
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.entries = append(w.entries, e)
	return nil
}

func (w *memWriter) keywords() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, e := range w.entries {
		out = append(out, e.Keyword)
	}
	return out
}

func quietLogger() *logrus.Logger {
	log, _ := test.NewNullLogger()
	return log
}

func TestRecorderCloseDrainsQueue(t *testing.T) {
	w := &memWriter{}
	r := NewRecorder(w, Options{Workers: 1, Capacity: 10, Logger: quietLogger()})
	for _, kw := range []string{"a", "b", "c"} {
		if !r.Record(Entry{Keyword: kw, Timestamp: time.Now()}) {
			t.Fatalf("Record(%q) rejected", kw)
		}
	}
	r.Close()
	if diff := cmp.Diff([]string{"a", "b", "c"}, w.keywords()); diff != "" {
		t.Errorf("written mismatch (-want +got):\n%s", diff)
	}
	if r.Record(Entry{Keyword: "late"}) {
		t.Error("Record accepted an entry after Close")
	}
	r.Close()
}

func TestRecorderDropsWhenSaturated(t *testing.T) {
	w := &memWriter{started: make(chan struct{}, 4), release: make(chan struct{})}
	r := NewRecorder(w, Options{Workers: 1, Capacity: 1, Logger: quietLogger()})

	if !r.Record(Entry{Keyword: "first"}) {
		t.Fatal("first entry rejected")
	}
	<-w.started // worker holds "first", queue is empty
	if !r.Record(Entry{Keyword: "second"}) {
		t.Fatal("second entry rejected")
	}
	if r.Record(Entry{Keyword: "third"}) {
		t.Fatal("third entry accepted while saturated")
	}
	close(w.release)
	r.Close()
	if diff := cmp.Diff([]string{"first", "second"}, w.keywords()); diff != "" {
		t.Errorf("written mismatch (-want +got):\n%s", diff)
	}
}

func TestRecorderRateLimit(t *testing.T) {
	w := &memWriter{}
	r := NewRecorder(w, Options{Workers: 1, Capacity: 10, RatePerSecond: 0.001, Burst: 2, Logger: quietLogger()})
	defer r.Close()

	accepted := 0
	for i := 0; i < 5; i++ {
		if r.Record(Entry{Keyword: "x"}) {
			accepted++
		}
	}
	if accepted != 2 {
		t.Errorf("accepted %d entries, want 2", accepted)
	}
}

func TestRecorderUnlimitedRateKeepsEveryEntry(t *testing.T) {
	w := &memWriter{}
	r := NewRecorder(w, Options{Workers: 1, Capacity: 500, Logger: quietLogger()})
	for i := 0; i < 500; i++ {
		if !r.Record(Entry{Keyword: "joran"}) {
			t.Fatalf("entry %d dropped while the queue had room", i)
		}
	}
	r.Close()
	if got := len(w.keywords()); got != 500 {
		t.Errorf("wrote %d entries, want 500", got)
	}
}

func TestRecorderWriteFailureIsLogged(t *testing.T) {
	log, hook := test.NewNullLogger()
	w := &memWriter{err: errors.New("engine down")}
	r := NewRecorder(w, Options{Workers: 1, Logger: log})

	if !r.Record(Entry{Keyword: "umpan"}) {
		t.Fatal("entry rejected")
	}
	r.Close()

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("expected a warning, got %+v", entry)
	}
	if entry.Data["keyword"] != "umpan" {
		t.Errorf("keyword field = %v", entry.Data["keyword"])
	}
}
