package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewRedisLocker_DefaultPrefix(t *testing.T) {
	l := NewRedisLocker(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), "")
	if l.prefix != "triage:lock:" {
		t.Errorf("expected default prefix, got %q", l.prefix)
	}
}

func TestRelease_NilLease(t *testing.T) {
	l := NewRedisLocker(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), "x:")
	if err := l.Release(context.Background(), nil); err != nil {
		t.Errorf("expected nil for nil lease, got %v", err)
	}
}

func TestAcquire_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	lease, err := NewRedisLocker(client, "").Acquire(context.Background(), "escalation-scan", time.Minute)
	if err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
	if lease != nil {
		t.Error("expected no lease on error")
	}
}
