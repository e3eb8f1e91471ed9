package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/catalog-search/internal/events"
)

type Client struct{ Rdb *redis.Client }

func New(addr string, password string, db int) *Client {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &Client{Rdb: rdb}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.Rdb.Ping(ctx).Err()
}

func (c *Client) Close() error { return c.Rdb.Close() }

// SetStatus stores s under key as JSON. The key expires after ttl so a dead
// sync process stops reporting a stale state.
func (c *Client) SetStatus(ctx context.Context, key string, s events.SyncStatus, ttl time.Duration) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.Rdb.Set(ctx, key, raw, ttl).Err()
}

// GetStatus returns the last stored status. ok is false when none exists.
func (c *Client) GetStatus(ctx context.Context, key string) (s events.SyncStatus, ok bool, err error) {
	raw, err := c.Rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return s, false, nil
	}
	if err != nil {
		return s, false, err
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, false, fmt.Errorf("decode sync status: %w", err)
	}
	return s, true, nil
}

// MirrorStatus writes every update from ch to key until ch closes or ctx is
// done. Write failures are logged and skipped.
func (c *Client) MirrorStatus(ctx context.Context, ch <-chan events.SyncStatus, key string, ttl time.Duration, log logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, open := <-ch:
			if !open {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := c.SetStatus(wctx, key, s, ttl); err != nil {
				log.WithError(err).Warn("failed to store sync status")
			}
			cancel()
		}
	}
}
