package redisx

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/yourorg/catalog-search/internal/events"
)

func startRedis(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker test in short mode")
	}
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	resource, err := pool.RunWithOptions(
		&dockertest.RunOptions{Repository: "redis", Tag: "7-alpine"},
		func(config *docker.HostConfig) {
			config.AutoRemove = true
			config.RestartPolicy = docker.RestartPolicy{Name: "no"}
		},
	)
	if err != nil {
		t.Fatalf("Could not start resource: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })

	c := New(resource.GetHostPort("6379/tcp"), "", 0)
	if err := pool.Retry(func() error { return c.Ping(context.Background()) }); err != nil {
		t.Fatalf("Could not connect to redis: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStatusRoundTrip(t *testing.T) {
	c := startRedis(t)
	ctx := context.Background()

	if _, ok, err := c.GetStatus(ctx, "sync:status"); err != nil || ok {
		t.Fatalf("GetStatus on empty key = ok %v, err %v", ok, err)
	}

	ch := make(chan events.SyncStatus, 2)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ch <- events.SyncStatus{State: "receiving", At: at}
	ch <- events.SyncStatus{State: "receiving", Ops: 3, Skipped: 1, LastOffset: "products/0@41", At: at}
	close(ch)

	log, _ := test.NewNullLogger()
	c.MirrorStatus(ctx, ch, "sync:status", time.Minute, log)

	got, ok, err := c.GetStatus(ctx, "sync:status")
	if err != nil || !ok {
		t.Fatalf("GetStatus = ok %v, err %v", ok, err)
	}
	want := events.SyncStatus{State: "receiving", Ops: 3, Skipped: 1, LastOffset: "products/0@41", At: at}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if ttl := c.Rdb.TTL(ctx, "sync:status").Val(); ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %s", ttl)
	}
}
