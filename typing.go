package chatsync

import (
	"sync"
	"time"
)

// DefaultTypingWindow is how long after the last keystroke the local user is
// still considered typing.
const DefaultTypingWindow = 1000 * time.Millisecond

// TypingDebouncer turns a stream of keystrokes into at most one "started"
// notification per burst and one "stopped" notification once the burst ends.
type TypingDebouncer struct {
	window time.Duration
	notify func(isTyping bool)

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
	closed bool

	// emitMu keeps notifications in the order the state changed.
	emitMu sync.Mutex
}

// NewTypingDebouncer creates a debouncer. window <= 0 selects
// DefaultTypingWindow.
func NewTypingDebouncer(window time.Duration, notify func(isTyping bool)) *TypingDebouncer {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &TypingDebouncer{window: window, notify: notify}
}

// Keystroke records an edit of the input field. Empty text means the field
// was cleared and stops typing right away.
func (d *TypingDebouncer) Keystroke(text string) {
	if text == "" {
		d.Stop()
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	start := !d.typing
	d.typing = true
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, func() { d.expire(gen) })

	if !start {
		d.mu.Unlock()
		return
	}
	d.emitMu.Lock()
	d.mu.Unlock()
	d.notify(true)
	d.emitMu.Unlock()
}

// Stop ends typing immediately, e.g. when the message is submitted.
func (d *TypingDebouncer) Stop() {
	d.mu.Lock()
	if d.closed || !d.typing {
		d.mu.Unlock()
		return
	}
	d.typing = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.emitMu.Lock()
	d.mu.Unlock()
	d.notify(false)
	d.emitMu.Unlock()
}

// IsTyping reports the current local typing state.
func (d *TypingDebouncer) IsTyping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

// Close cancels any pending timer and waits for a notification already in
// progress. No notification is sent after Close returns.
func (d *TypingDebouncer) Close() {
	d.mu.Lock()
	d.closed = true
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.emitMu.Lock()
	d.emitMu.Unlock()
}

func (d *TypingDebouncer) expire(gen uint64) {
	d.mu.Lock()
	if d.closed || gen != d.gen || !d.typing {
		d.mu.Unlock()
		return
	}
	d.typing = false
	d.timer = nil
	d.emitMu.Lock()
	d.mu.Unlock()
	d.notify(false)
	d.emitMu.Unlock()
}
