package store

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/Coo/internal/util"
)

func TestRedisDedup(t *testing.T) {
	url := getenvOrSkip(t, "TEST_REDIS_URL")
	ctx := context.Background()
	r, err := NewRedisDedup(ctx, url, time.Minute)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	id := "SM" + util.GenerateRandomHex(8)
	if dup, err := r.IsDuplicate(ctx, id); err != nil || dup {
		t.Fatalf("expected fresh id, got %v, %v", dup, err)
	}
	if ok, err := r.RecordInbound(ctx, id, "+15550001111"); err != nil || !ok {
		t.Fatalf("expected first record to insert, got %v, %v", ok, err)
	}
	if ok, _ := r.RecordInbound(ctx, id, "+15550001111"); ok {
		t.Error("expected second record to be rejected")
	}
	if err := r.MarkProcessed(ctx, id); err != nil {
		t.Errorf("MarkProcessed failed: %v", err)
	}
}

func TestNewRedisDedupRejectsBadURL(t *testing.T) {
	if _, err := NewRedisDedup(context.Background(), "not a url", time.Minute); err == nil {
		t.Error("expected parse error")
	}
}
