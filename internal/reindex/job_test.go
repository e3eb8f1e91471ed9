package reindex

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/yourorg/catalog-search/internal/cdc"
	"github.com/yourorg/catalog-search/internal/search"
)

type memStore struct {
	rows  []cdc.RowImage
	calls [][2]int64
}

func (m *memStore) ProductsAfter(_ context.Context, afterID int64, limit int) ([]cdc.RowImage, error) {
	m.calls = append(m.calls, [2]int64{afterID, int64(limit)})
	var out []cdc.RowImage
	for _, r := range m.rows {
		if r.ID > afterID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

type memIndex struct {
	batches [][]search.BulkOperation
	err     error
	reject  string
}

func (m *memIndex) Bulk(_ context.Context, ops []search.BulkOperation) (search.BulkResult, error) {
	if m.err != nil {
		return search.BulkResult{}, m.err
	}
	m.batches = append(m.batches, ops)
	var res search.BulkResult
	for _, op := range ops {
		if op.Key == m.reject {
			res.Failed = append(res.Failed, search.ItemError{Action: "index", Key: op.Key, Status: 400, Type: "mapper_parsing_exception"})
			continue
		}
		res.Indexed++
	}
	return res, nil
}

func rows(ids ...int64) []cdc.RowImage {
	out := make([]cdc.RowImage, 0, len(ids))
	for _, id := range ids {
		out = append(out, cdc.RowImage{ID: id, SKU: "S", Name: "n", Stock: 9, IsActive: id%2 == 1})
	}
	return out
}

func TestRunOncePagesByID(t *testing.T) {
	st := &memStore{rows: rows(1, 2, 3, 5, 8)}
	idx := &memIndex{reject: "5"}
	log, _ := test.NewNullLogger()
	j := &Job{Store: st, Index: idx, Logger: log, Config: Config{PageSize: 2}}

	sum, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if diff := cmp.Diff(Summary{Pages: 3, Indexed: 4, Failed: 1, LastID: 8}, sum); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][2]int64{{0, 2}, {2, 2}, {5, 2}}, st.calls); diff != "" {
		t.Errorf("paging mismatch (-want +got):\n%s", diff)
	}
	first := idx.batches[0][0]
	want := search.BulkOperation{Kind: search.OpUpsert, Key: "1", Doc: &search.Document{ID: 1, SKU: "S", Name: "n", IsActive: true}}
	if diff := cmp.Diff(want, first); diff != "" {
		t.Errorf("op mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOnceStopsOnBulkFailure(t *testing.T) {
	j := &Job{Store: &memStore{rows: rows(1, 2)}, Index: &memIndex{err: search.ErrTransport}}
	if _, err := j.RunOnce(context.Background()); !errors.Is(err, search.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestRunWithoutIntervalRunsOnce(t *testing.T) {
	st := &memStore{}
	j := &Job{Store: st, Index: &memIndex{}}
	if err := j.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.calls) != 1 || st.calls[0][1] != 500 {
		t.Errorf("calls = %v", st.calls)
	}
}

func TestValidate(t *testing.T) {
	var j *Job
	if err := j.Run(context.Background()); err == nil {
		t.Error("nil job should fail")
	}
	if _, err := (&Job{}).RunOnce(context.Background()); err == nil {
		t.Error("job without store should fail")
	}
}
