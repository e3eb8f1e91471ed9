// Package stats computes the dashboard aggregates from the search indices
// and the system of record.
package stats

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/yourorg/catalog-search/internal/search"
)

const (
	DefaultTrendingLimit = 5
	categoryBuckets      = 10
)

type Index interface {
	ProductsIndex() string
	LogsIndex() string
	Count(ctx context.Context, index string, query map[string]any) (int64, error)
	Terms(ctx context.Context, index, field string, size int) ([]search.Bucket, error)
}

type UserCounter interface {
	CountUsers(ctx context.Context) (int64, error)
}

type Keyword struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

type Bucket struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

type Counts struct {
	Products int64 `json:"products"`
	Users    int64 `json:"users"`
	Searches int64 `json:"searches"`
}

type Charts struct {
	Categories []Bucket  `json:"categories"`
	Trending   []Keyword `json:"trending"`
}

type Result struct {
	Counts Counts `json:"counts"`
	Charts Charts `json:"charts"`
}

type Service struct {
	idx   Index
	users UserCounter
}

// New returns a Service. users may be nil, in which case the user count is
// reported as zero.
func New(idx Index, users UserCounter) *Service {
	return &Service{idx: idx, users: users}
}

// Trending returns the most searched keywords, most frequent first. A log
// index that does not exist yet yields an empty list.
func (s *Service) Trending(ctx context.Context, limit int) ([]Keyword, error) {
	if limit <= 0 {
		limit = DefaultTrendingLimit
	}
	buckets, err := s.idx.Terms(ctx, s.idx.LogsIndex(), "keyword", limit)
	if errors.Is(err, search.ErrIndexNotFound) {
		return []Keyword{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trending: %w", err)
	}
	out := make([]Keyword, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, Keyword{Name: b.Key, Count: b.Count})
	}
	return out, nil
}

// Stats gathers every dashboard figure concurrently. All counts are exact.
func (s *Service) Stats(ctx context.Context) (Result, error) {
	res := Result{Charts: Charts{Categories: []Bucket{}, Trending: []Keyword{}}}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := s.count(gctx, s.idx.ProductsIndex(), map[string]any{"term": map[string]any{"isActive": true}})
		res.Counts.Products = n
		return err
	})
	g.Go(func() error {
		n, err := s.count(gctx, s.idx.LogsIndex(), nil)
		res.Counts.Searches = n
		return err
	})
	g.Go(func() error {
		if s.users == nil {
			return nil
		}
		n, err := s.users.CountUsers(gctx)
		if err != nil {
			return fmt.Errorf("users: %w", err)
		}
		res.Counts.Users = n
		return nil
	})
	g.Go(func() error {
		buckets, err := s.idx.Terms(gctx, s.idx.ProductsIndex(), "category", categoryBuckets)
		if errors.Is(err, search.ErrIndexNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("categories: %w", err)
		}
		for _, b := range buckets {
			res.Charts.Categories = append(res.Charts.Categories, Bucket{Name: b.Key, Value: b.Count})
		}
		return nil
	})
	g.Go(func() error {
		kw, err := s.Trending(gctx, DefaultTrendingLimit)
		res.Charts.Trending = kw
		return err
	})

	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (s *Service) count(ctx context.Context, index string, query map[string]any) (int64, error) {
	n, err := s.idx.Count(ctx, index, query)
	if errors.Is(err, search.ErrIndexNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", index, err)
	}
	return n, nil
}
