package watch

import (
	"testing"
	"time"
)

func TestTokenBucketInitBurstAllowsImmediateCalls(t *testing.T) {
	b := newTokenBucket(1, 10, 5)
	stop := make(chan struct{})
	for i := 0; i < 5; i++ {
		start := time.Now()
		if !b.wait(stop) {
			t.Fatalf("wait %d returned false", i)
		}
		if time.Since(start) > 20*time.Millisecond {
			t.Fatalf("wait %d blocked, expected immediate consumption of init burst", i)
		}
	}
}

func TestTokenBucketClampsInitBurstToMax(t *testing.T) {
	b := newTokenBucket(1, 3, 100)
	if b.tokens != 3 {
		t.Fatalf("expected init burst clamped to max=3, got %v", b.tokens)
	}
}

func TestTokenBucketBlocksOnceDrained(t *testing.T) {
	b := newTokenBucket(1000, 1, 1)
	stop := make(chan struct{})

	if !b.wait(stop) {
		t.Fatal("first wait should succeed")
	}

	start := time.Now()
	if !b.wait(stop) {
		t.Fatal("second wait should eventually succeed")
	}
	if time.Since(start) < time.Millisecond {
		t.Fatalf("expected second wait to block for a refill at rate 1000/s")
	}
}

func TestTokenBucketWaitInterruptedByStop(t *testing.T) {
	b := newTokenBucket(0.001, 1, 0)
	stop := make(chan struct{})

	done := make(chan bool, 1)
	go func() {
		done <- b.wait(stop)
	}()

	close(stop)

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected wait to report false after stop closed")
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not observe stop closing")
	}
}
