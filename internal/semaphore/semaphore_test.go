package semaphore

import "testing"

func TestTryAcquireIsExclusive(t *testing.T) {
	l := New()
	if !l.TryAcquire("DR1") {
		t.Fatal("expected first acquire to succeed")
	}
	if l.TryAcquire("DR2") {
		t.Fatal("expected second acquire to fail while held")
	}
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	l := New()
	l.TryAcquire("DR1")
	l.Release("DR2")
	if !l.Held() {
		t.Fatal("expected lock to remain held after non-holder release")
	}
}

func TestReleaseWhenUnheldIsNoop(t *testing.T) {
	l := New()
	l.Release("DR1") // must not panic
	if l.Held() {
		t.Fatal("expected lock to remain unheld")
	}
}

func TestReleaseByHolderFreesLock(t *testing.T) {
	l := New()
	l.TryAcquire("DR1")
	l.Release("DR1")
	if l.Held() {
		t.Fatal("expected lock to be free")
	}
	if !l.TryAcquire("DR2") {
		t.Fatal("expected DR2 to acquire the freed lock")
	}
}
