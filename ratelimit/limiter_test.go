package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket_Exhaustion(t *testing.T) {
	tb := NewTokenBucket(3, 1)
	now := time.Now()
	tb.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !tb.Admit("u1", "create") {
			t.Fatalf("admit %d should succeed", i)
		}
	}
	if tb.Admit("u1", "create") {
		t.Error("bucket should be exhausted")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	tb := NewTokenBucket(3, 1)
	now := time.Now()
	tb.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		tb.Admit("u1", "create")
	}
	if tb.Admit("u1", "create") {
		t.Fatal("bucket should be exhausted")
	}

	now = now.Add(2 * time.Second)
	if !tb.Admit("u1", "create") {
		t.Error("first refilled token missing")
	}
	if !tb.Admit("u1", "create") {
		t.Error("second refilled token missing")
	}
	if tb.Admit("u1", "create") {
		t.Error("only two tokens should have refilled")
	}
}

func TestTokenBucket_RefillCappedAtCapacity(t *testing.T) {
	tb := NewTokenBucket(2, 10)
	now := time.Now()
	tb.now = func() time.Time { return now }

	tb.Admit("u1", "create")
	now = now.Add(time.Hour)

	admitted := 0
	for tb.Admit("u1", "create") {
		admitted++
		if admitted > 10 {
			break
		}
	}
	if admitted != 2 {
		t.Errorf("refill should cap at capacity 2, admitted %d", admitted)
	}
}

func TestTokenBucket_IndependentKeys(t *testing.T) {
	tb := NewTokenBucket(1, 0.001)
	now := time.Now()
	tb.now = func() time.Time { return now }

	if !tb.Admit("u1", "create") {
		t.Fatal("first admit should succeed")
	}
	if tb.Admit("u1", "create") {
		t.Error("u1/create should be exhausted")
	}
	if !tb.Admit("u1", "update") {
		t.Error("different op should have its own bucket")
	}
	if !tb.Admit("u2", "create") {
		t.Error("different subject should have its own bucket")
	}
}

func TestAllowAll(t *testing.T) {
	var l Limiter = AllowAll{}
	for i := 0; i < 100; i++ {
		if !l.Admit("anyone", "anything") {
			t.Fatal("AllowAll rejected a request")
		}
	}
}
