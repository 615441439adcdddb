package chatsync

import (
	"sort"
	"time"
)

// Store is the ordered, deduplicated message sequence of one open
// conversation. It merges history pages, live events and local sends.
//
// After every mutation the sequence is non-decreasing by CreatedAt and holds
// no duplicate IDs; statuses only move forward. Store is not safe for
// concurrent use: a Session owns it and applies all mutations from a single
// goroutine.
type Store struct {
	roomID      string
	localUserID string

	messages []*Message
	byID     map[string]*Message

	hasMoreOlder bool
	loadingOlder bool
	closed       bool
}

// NewStore creates an empty store for roomID. localUserID identifies the
// sender whose live echoes reconcile against pending local messages.
func NewStore(roomID, localUserID string) *Store {
	return &Store{
		roomID:      roomID,
		localUserID: localUserID,
		byID:        make(map[string]*Message),
	}
}

// ── Read model ───────────────────────────────────────────

// Messages returns a copy of the sequence in ascending order.
func (s *Store) Messages() []Message {
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = cloneMessage(m)
	}
	return out
}

// Get returns the message with id.
func (s *Store) Get(id string) (Message, bool) {
	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return cloneMessage(m), true
}

func (s *Store) Len() int { return len(s.messages) }

func (s *Store) HasMoreOlder() bool { return s.hasMoreOlder }

func (s *Store) IsLoadingOlder() bool { return s.loadingOlder }

func (s *Store) Closed() bool { return s.closed }

// OldestCursor is the cursor for the next older page, or "" when empty.
func (s *Store) OldestCursor() string {
	for _, m := range s.messages {
		if !m.Pending {
			return FormatCursor(m.CreatedAt)
		}
	}
	return ""
}

// NewestCursor is the timestamp of the newest confirmed message, or "".
func (s *Store) NewestCursor() string {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if !s.messages[i].Pending {
			return FormatCursor(s.messages[i].CreatedAt)
		}
	}
	return ""
}

// Close detaches the store; every later mutation is a no-op.
func (s *Store) Close() {
	s.closed = true
}

// ── History ──────────────────────────────────────────────

// LoadInitial seeds the store from the most recent page. Confirmed messages
// already held are replaced; pending local sends are kept.
func (s *Store) LoadInitial(page *Page) {
	if s.closed || page == nil {
		return
	}
	var pending []*Message
	for _, m := range s.messages {
		if m.Pending {
			pending = append(pending, m)
		}
	}

	s.messages = s.messages[:0]
	s.byID = make(map[string]*Message, len(page.Content)+len(pending))
	for i := range page.Content {
		s.add(page.Content[i])
	}
	for _, p := range pending {
		s.insert(p)
	}
	s.hasMoreOlder = page.HasMore
}

// BeginLoadOlder claims the older-page slot. It returns false when a load is
// already in flight or history is exhausted.
func (s *Store) BeginLoadOlder() bool {
	if s.closed || s.loadingOlder || !s.hasMoreOlder {
		return false
	}
	s.loadingOlder = true
	return true
}

// EndLoadOlder releases the older-page slot without merging anything.
func (s *Store) EndLoadOlder() {
	s.loadingOlder = false
}

// PrependOlder merges an older page. Messages whose ID is already present are
// dropped, so merging the same page twice equals merging it once.
func (s *Store) PrependOlder(page *Page) {
	if s.closed || page == nil {
		return
	}
	for i := range page.Content {
		s.add(page.Content[i])
	}
	s.hasMoreOlder = page.HasMore
	s.loadingOlder = false
}

// ── Live events ──────────────────────────────────────────

// IngestLive applies a message pushed by the server (or returned by a send).
// It reports whether the store changed.
//
//   - a known confirmed ID is updated only on a forward status transition;
//   - an unknown ID whose ClientID matches a pending send replaces that send;
//   - an unknown ID from the local user with the same content and attachment
//     as a pending send replaces the most recent such send;
//   - anything else is inserted in timestamp order.
func (s *Store) IngestLive(m Message) bool {
	if s.closed || m.ID == "" {
		return false
	}
	if !m.Status.Valid() {
		m.Status = StatusSent
	}
	m.Pending = false

	if existing, ok := s.byID[m.ID]; ok {
		if existing.Pending || !existing.Status.Advances(m.Status) {
			return false
		}
		s.replace(existing, m)
		return true
	}

	if p := s.pendingFor(&m); p != nil {
		s.replace(p, m)
		return true
	}

	s.add(m)
	return true
}

// UpdateStatus moves a confirmed message forward. Regressions and unknown IDs
// are dropped silently; both happen during reconnection replay.
func (s *Store) UpdateStatus(id string, status Status) bool {
	if s.closed {
		return false
	}
	m, ok := s.byID[id]
	if !ok || m.Pending || !m.Status.Advances(status) {
		return false
	}
	m.Status = status
	return true
}

// ── Local sends ──────────────────────────────────────────

// AddPending inserts a provisional local message.
func (s *Store) AddPending(m Message) bool {
	if s.closed || m.ID == "" {
		return false
	}
	if _, dup := s.byID[m.ID]; dup {
		return false
	}
	m.Pending = true
	if m.Status == "" {
		m.Status = StatusSent
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.add(m)
	return true
}

// Confirm swaps the provisional message localID for the server's copy. If a
// live echo already reconciled it, the confirmation is applied as a live event.
func (s *Store) Confirm(localID string, confirmed Message) bool {
	if s.closed || confirmed.ID == "" {
		return false
	}
	p, ok := s.byID[localID]
	if !ok || !p.Pending {
		return s.IngestLive(confirmed)
	}
	if existing, dup := s.byID[confirmed.ID]; dup && !existing.Pending {
		s.remove(p)
		if existing.Status.Advances(confirmed.Status) {
			existing.Status = confirmed.Status
		}
		return true
	}
	if !confirmed.Status.Valid() {
		confirmed.Status = StatusSent
	}
	confirmed.Pending = false
	s.replace(p, confirmed)
	return true
}

// MarkFailed flags a provisional message as failed so it can be retried.
func (s *Store) MarkFailed(localID string) bool {
	return s.setPendingStatus(localID, StatusFailed)
}

// MarkRetrying puts a failed provisional message back to sent.
func (s *Store) MarkRetrying(localID string) bool {
	return s.setPendingStatus(localID, StatusSent)
}

func (s *Store) setPendingStatus(localID string, status Status) bool {
	if s.closed {
		return false
	}
	p, ok := s.byID[localID]
	if !ok || !p.Pending || p.Status == status {
		return false
	}
	p.Status = status
	return true
}

// pendingFor finds the provisional message m confirms, if any.
func (s *Store) pendingFor(m *Message) *Message {
	if m.ClientID != "" {
		for _, p := range s.messages {
			if p.Pending && p.ClientID == m.ClientID {
				return p
			}
		}
	}
	if s.localUserID == "" || m.SenderID != s.localUserID {
		return nil
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		p := s.messages[i]
		if !p.Pending || !p.sameBody(m) {
			continue
		}
		// Both sides carry idempotency keys and they differ: not this send.
		if p.ClientID != "" && m.ClientID != "" {
			continue
		}
		return p
	}
	return nil
}

// ── Internals ────────────────────────────────────────────

// add inserts a copy of m unless its ID is already present.
func (s *Store) add(m Message) {
	if m.ID == "" {
		return
	}
	if _, dup := s.byID[m.ID]; dup {
		return
	}
	if !m.Pending && !m.Status.Valid() {
		m.Status = StatusSent
	}
	c := cloneMessage(&m)
	s.insert(&c)
}

// insert places m after every message with CreatedAt <= m.CreatedAt.
func (s *Store) insert(m *Message) {
	i := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(m.CreatedAt)
	})
	s.messages = append(s.messages, nil)
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	s.byID[m.ID] = m
}

func (s *Store) remove(m *Message) {
	for i, cur := range s.messages {
		if cur == m {
			copy(s.messages[i:], s.messages[i+1:])
			s.messages[len(s.messages)-1] = nil
			s.messages = s.messages[:len(s.messages)-1]
			break
		}
	}
	if s.byID[m.ID] == m {
		delete(s.byID, m.ID)
	}
}

// replace swaps old for next, re-positioning it by timestamp.
func (s *Store) replace(old *Message, next Message) {
	s.remove(old)
	c := cloneMessage(&next)
	s.insert(&c)
}

func cloneMessage(m *Message) Message {
	c := *m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	return c
}
