package chatsync

import (
	"sync"
	"testing"
	"time"
)

type typingRecorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *typingRecorder) notify(isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, isTyping)
}

func (r *typingRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.events...)
}

func (r *typingRecorder) waitFor(t *testing.T, n int, within time.Duration) []bool {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected %d notifications, got %v", n, r.snapshot())
	return nil
}

func TestTypingDebounceBurst(t *testing.T) {
	rec := &typingRecorder{}
	d := NewTypingDebouncer(0, rec.notify)
	defer d.Close()

	start := time.Now()
	d.Keystroke("h")
	time.Sleep(100 * time.Millisecond)
	d.Keystroke("he")
	time.Sleep(100 * time.Millisecond)
	d.Keystroke("hey")

	if got := rec.snapshot(); len(got) != 1 || !got[0] {
		t.Fatalf("Expected exactly one start during the burst, got %v", got)
	}

	got := rec.waitFor(t, 2, 2*time.Second)
	if got[1] {
		t.Fatalf("Expected stop after silence, got %v", got)
	}
	if elapsed := time.Since(start); elapsed < DefaultTypingWindow+150*time.Millisecond {
		t.Errorf("Stop fired after %v, before the window elapsed from the last keystroke", elapsed)
	}

	time.Sleep(200 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 2 {
		t.Errorf("Expected no further notifications, got %v", got)
	}
}

func TestTypingEmptyTextStopsImmediately(t *testing.T) {
	rec := &typingRecorder{}
	d := NewTypingDebouncer(time.Hour, rec.notify)
	defer d.Close()

	d.Keystroke("draft")
	d.Keystroke("")

	got := rec.snapshot()
	if len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("Expected [true false], got %v", got)
	}
	if d.IsTyping() {
		t.Error("Expected typing cleared")
	}
}

func TestTypingStopWhenIdleIsSilent(t *testing.T) {
	rec := &typingRecorder{}
	d := NewTypingDebouncer(50*time.Millisecond, rec.notify)
	defer d.Close()

	d.Stop()
	d.Keystroke("")
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("Expected no notifications, got %v", got)
	}
}

func TestTypingRestartsAfterStop(t *testing.T) {
	rec := &typingRecorder{}
	d := NewTypingDebouncer(50*time.Millisecond, rec.notify)
	defer d.Close()

	d.Keystroke("a")
	d.Stop()
	d.Keystroke("b")

	got := rec.waitFor(t, 4, time.Second)
	want := []bool{true, false, true, false}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
}

func TestTypingCloseCancelsTimer(t *testing.T) {
	rec := &typingRecorder{}
	d := NewTypingDebouncer(30*time.Millisecond, rec.notify)

	d.Keystroke("a")
	d.Close()
	time.Sleep(100 * time.Millisecond)
	d.Keystroke("b")

	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("Expected only the initial start, got %v", got)
	}
}

func TestTypingCloseWaitsForNotification(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var afterClose []bool
	closed := false

	d := NewTypingDebouncer(time.Hour, func(isTyping bool) {
		mu.Lock()
		if closed {
			afterClose = append(afterClose, isTyping)
		}
		mu.Unlock()
		if isTyping {
			close(entered)
			<-release
		}
	})

	go d.Keystroke("a")
	<-entered

	done := make(chan struct{})
	go func() {
		d.Close()
		mu.Lock()
		closed = true
		mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned while a notification was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the notification finished")
	}

	d.Keystroke("")
	d.Stop()
	mu.Lock()
	defer mu.Unlock()
	if len(afterClose) != 0 {
		t.Errorf("Notifications after Close: %v", afterClose)
	}
}
