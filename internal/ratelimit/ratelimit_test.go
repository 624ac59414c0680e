package ratelimit

import (
	"context"
	"testing"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(nil, "test", Config{PerMinuteBurst: 3, PerMinuteRate: 0.01, PerHourQuota: 100, PerDayQuota: 1000})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if ok, reason := l.Allow(ctx, "actor-1"); !ok {
			t.Fatalf("request %d: expected allow, got deny (%s)", i, reason)
		}
	}
	if ok, reason := l.Allow(ctx, "actor-1"); ok {
		t.Fatalf("request beyond burst: expected deny, got allow")
	} else if reason != ReasonBurst {
		t.Fatalf("expected ReasonBurst, got %s", reason)
	}
}

func TestHourQuotaEnforced(t *testing.T) {
	l := New(nil, "test", Config{PerMinuteBurst: 1000, PerMinuteRate: 1000, PerHourQuota: 2, PerDayQuota: 1000})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if ok, reason := l.Allow(ctx, "actor-2"); !ok {
			t.Fatalf("request %d: expected allow, got deny (%s)", i, reason)
		}
	}
	if ok, reason := l.Allow(ctx, "actor-2"); ok || reason != ReasonHourQuota {
		t.Fatalf("expected hour quota deny, got ok=%v reason=%s", ok, reason)
	}
}

func TestActorsAreIndependent(t *testing.T) {
	l := New(nil, "test", Config{PerMinuteBurst: 1, PerMinuteRate: 0.01, PerHourQuota: 10, PerDayQuota: 10})
	ctx := context.Background()
	if ok, _ := l.Allow(ctx, "a"); !ok {
		t.Fatal("actor a should be allowed")
	}
	if ok, _ := l.Allow(ctx, "b"); !ok {
		t.Fatal("actor b should be allowed independently of a")
	}
}
