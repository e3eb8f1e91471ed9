// Package reindex rebuilds the products index straight from the system of
// record, without replaying the change feed.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/catalog-search/internal/cdc"
	"github.com/yourorg/catalog-search/internal/search"
)

type ProductReader interface {
	ProductsAfter(ctx context.Context, afterID int64, limit int) ([]cdc.RowImage, error)
}

type BulkWriter interface {
	Bulk(ctx context.Context, ops []search.BulkOperation) (search.BulkResult, error)
}

type Config struct {
	PageSize int
	// Interval repeats the pass; zero runs once.
	Interval time.Duration
}

type Job struct {
	Store  ProductReader
	Index  BulkWriter
	Logger logrus.FieldLogger
	Config Config
}

// Summary totals one pass.
type Summary struct {
	Pages   int
	Indexed int
	Failed  int
	LastID  int64
}

func (j *Job) log() logrus.FieldLogger {
	if j.Logger != nil {
		return j.Logger
	}
	return logrus.StandardLogger()
}

func (j *Job) validate() error {
	if j == nil {
		return errors.New("nil reindex job")
	}
	if j.Store == nil || j.Index == nil {
		return errors.New("reindex job requires a store and an index")
	}
	if j.Config.PageSize <= 0 {
		j.Config.PageSize = 500
	}
	return nil
}

func (j *Job) Run(ctx context.Context) error {
	if err := j.validate(); err != nil {
		return err
	}
	interval := j.Config.Interval
	if interval <= 0 {
		_, err := j.RunOnce(ctx)
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	j.log().Infof("reindex job starting with interval %s", interval)
	if _, err := j.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		j.log().WithError(err).Error("reindex initial run failed")
	}
	for {
		select {
		case <-ctx.Done():
			j.log().Infof("reindex job stopping: %v", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				j.log().WithError(err).Error("reindex iteration failed")
			}
		}
	}
}

// RunOnce pages through every product by id and writes one bulk request per
// page. Item rejections are counted and logged; a failed bulk call aborts
// the pass.
func (j *Job) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	if err := j.validate(); err != nil {
		return sum, err
	}
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		rows, err := j.Store.ProductsAfter(ctx, sum.LastID, j.Config.PageSize)
		if err != nil {
			return sum, fmt.Errorf("page after id %d: %w", sum.LastID, err)
		}
		if len(rows) == 0 {
			break
		}
		ops := make([]search.BulkOperation, 0, len(rows))
		for _, r := range rows {
			doc := search.FromRow(r)
			ops = append(ops, search.BulkOperation{Kind: search.OpUpsert, Key: r.Key(), Doc: &doc})
		}
		res, err := j.Index.Bulk(ctx, ops)
		if err != nil {
			return sum, fmt.Errorf("bulk after id %d: %w", sum.LastID, err)
		}
		for _, f := range res.Failed {
			j.log().WithFields(logrus.Fields{"key": f.Key, "status": f.Status, "type": f.Type}).
				Warnf("reindex item rejected: %s", f.Reason)
		}
		sum.Pages++
		sum.Indexed += res.Indexed
		sum.Failed += len(res.Failed)
		sum.LastID = rows[len(rows)-1].ID
		if len(rows) < j.Config.PageSize {
			break
		}
	}
	j.log().WithFields(logrus.Fields{
		"pages":    sum.Pages,
		"indexed":  sum.Indexed,
		"failed":   sum.Failed,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("reindex pass complete")
	return sum, nil
}
