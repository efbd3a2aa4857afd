package auth

import (
	"testing"
	"time"
)

func TestPairingLimiter_BlocksAfterBurst(t *testing.T) {
	limiter := NewPairingLimiter(time.Hour, 5)

	for i := 0; i < 5; i++ {
		if limiter.Blocked("1.2.3.4") {
			t.Fatalf("blocked after %d failures, burst is 5", i)
		}
		limiter.RecordFailure("1.2.3.4")
	}
	if !limiter.Blocked("1.2.3.4") {
		t.Error("not blocked after exhausting burst")
	}
}

func TestPairingLimiter_KeysAreIndependent(t *testing.T) {
	limiter := NewPairingLimiter(time.Hour, 2)

	limiter.RecordFailure("a")
	limiter.RecordFailure("a")
	if !limiter.Blocked("a") {
		t.Error("key a should be blocked")
	}
	if limiter.Blocked("b") {
		t.Error("key b should be unaffected")
	}
}

func TestPairingLimiter_CleanupResets(t *testing.T) {
	limiter := NewPairingLimiter(time.Hour, 1)

	limiter.RecordFailure("a")
	if !limiter.Blocked("a") {
		t.Fatal("expected blocked")
	}
	limiter.Cleanup()
	if limiter.Blocked("a") {
		t.Error("still blocked after cleanup")
	}
}
