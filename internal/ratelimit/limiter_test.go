package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_PermitsWithinBurst(t *testing.T) {
	l := New(nil, nil)

	for i := 0; i < DefaultLimits.Burst; i++ {
		if !l.Allow("acme", Events, 1) {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}
}

func TestAllow_RejectsOverBurst(t *testing.T) {
	limits := Limits{EventsPerSec: 1, Burst: 2}
	l := New(func(string) Limits { return limits }, nil)

	l.Allow("acme", Events, 1)
	l.Allow("acme", Events, 1)
	if l.Allow("acme", Events, 1) {
		t.Fatal("expected third immediate request to exceed burst and be rejected")
	}
}

func TestAllow_IsolatedPerTenant(t *testing.T) {
	limits := Limits{EventsPerSec: 1, Burst: 1}
	l := New(func(string) Limits { return limits }, nil)

	if !l.Allow("acme", Events, 1) {
		t.Fatal("expected first request for acme to be allowed")
	}
	if !l.Allow("globex", Events, 1) {
		t.Fatal("expected globex's bucket to be independent of acme's")
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	limits := Limits{EventsPerSec: 100, Burst: 1}
	l := New(func(string) Limits { return limits }, nil)

	if !l.Allow("acme", Events, 1) {
		t.Fatal("expected first request to be allowed")
	}
	if l.Allow("acme", Events, 1) {
		t.Fatal("expected immediate second request to be rejected")
	}

	time.Sleep(20 * time.Millisecond)
	if !l.Allow("acme", Events, 1) {
		t.Fatal("expected bucket to have refilled after waiting")
	}
}

func TestInvalidateTenant_ResetsBuckets(t *testing.T) {
	limits := Limits{EventsPerSec: 1, Burst: 1}
	l := New(func(string) Limits { return limits }, nil)

	l.Allow("acme", Events, 1)
	l.InvalidateTenant("acme")

	if !l.Allow("acme", Events, 1) {
		t.Fatal("expected fresh bucket after invalidate to allow a request")
	}
}
