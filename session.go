package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionOptions configures OpenSession. The zero value is usable.
type SessionOptions struct {
	// PageSize is the history page size; 0 selects DefaultPageSize.
	PageSize int
	// TypingWindow is the local typing debounce window.
	TypingWindow time.Duration
	// RetryLimit bounds automatic resends of a failed message.
	RetryLimit int
	// NoticeBuffer is the capacity of the Notices channel.
	NoticeBuffer int
	Realtime     *RealtimeConfig
}

func (o *SessionOptions) withDefaults() SessionOptions {
	var out SessionOptions
	if o != nil {
		out = *o
	}
	if out.PageSize <= 0 {
		out.PageSize = DefaultPageSize
	}
	if out.PageSize > MaxPageSize {
		out.PageSize = MaxPageSize
	}
	if out.TypingWindow <= 0 {
		out.TypingWindow = DefaultTypingWindow
	}
	if out.RetryLimit <= 0 {
		out.RetryLimit = DefaultRetryLimit
	}
	if out.NoticeBuffer <= 0 {
		out.NoticeBuffer = 16
	}
	return out
}

// Snapshot is a consistent view of a session at one instant.
type Snapshot struct {
	Messages     []Message
	HasMoreOlder bool
	LoadingOlder bool
	PeerTyping   bool
	State        ChannelState
	PendingSends int
}

// Session keeps one conversation in sync: it owns the message store, the
// live channel, the outbound pipeline and the typing debouncer.
//
// Every store mutation happens on the session's own goroutine. Live events
// and results of background work (page loads, uploads, sends) are queued to
// it; once the session is closed they are dropped.
type Session struct {
	client *Client
	roomID string
	opts   SessionOptions
	log    zerolog.Logger

	store    *Store
	channel  *Channel
	typing   *TypingDebouncer
	outbound *Pipeline

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	done   chan struct{}

	// mu guards closing so no worker starts once Close waits on wg.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup

	changes   chan struct{}
	notices   chan Notice
	typingOut chan bool
	closeOnce sync.Once

	snapMu sync.RWMutex
	snap   Snapshot

	// Owned by the loop goroutine.
	dirty       bool
	state       ChannelState
	peerTyping  bool
	backfilling bool
}

// OpenSession loads the most recent page of roomID, then starts the live
// channel. It fails only if the first page cannot be fetched.
func (c *Client) OpenSession(ctx context.Context, roomID string, opts *SessionOptions) (*Session, error) {
	o := opts.withDefaults()

	page, err := c.Messages.FetchPage(ctx, roomID, &PageQuery{Limit: o.PageSize, Direction: Before})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		client:    c,
		roomID:    roomID,
		opts:      o,
		log:       c.log.With().Str("room", roomID).Logger(),
		store:     NewStore(roomID, c.userID),
		channel:   c.Realtime.Channel(roomID, o.Realtime),
		ctx:       sctx,
		cancel:    cancel,
		ops:       make(chan func()),
		done:      make(chan struct{}),
		changes:   make(chan struct{}, 1),
		notices:   make(chan Notice, o.NoticeBuffer),
		typingOut: make(chan bool, 8),
		state:     StateDisconnected,
	}
	s.typing = NewTypingDebouncer(o.TypingWindow, s.queueTyping)
	s.outbound = newPipeline(c, roomID, s.store, s.typing, s, o.RetryLimit, s.log)

	s.store.LoadInitial(page)
	s.publish()

	s.wg.Add(1)
	go s.typingLoop()
	go s.loop()
	s.channel.Open(sctx)

	s.log.Info().Int("messages", len(page.Content)).Bool("has_more", page.HasMore).Msg("session opened")
	return s, nil
}

// RoomID returns the conversation this session tracks.
func (s *Session) RoomID() string { return s.roomID }

// Snapshot returns the current state. Safe from any goroutine.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	snap := s.snap
	snap.Messages = append([]Message(nil), s.snap.Messages...)
	return snap
}

// Changes signals after the snapshot changed. Signals coalesce: one receive
// may stand for several changes. The channel is closed by Close.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// Notices delivers user-visible failures. The channel is closed by Close.
func (s *Session) Notices() <-chan Notice { return s.notices }

// Send validates text and file and queues the message. Validation errors are
// returned here; later failures arrive as Notices and as failed messages.
func (s *Session) Send(ctx context.Context, text string, file *AttachmentFile) error {
	return s.outbound.Send(ctx, text, file)
}

// Retry resends a failed message by its provisional id.
func (s *Session) Retry(ctx context.Context, localID string) error {
	var err error
	if cerr := s.call(ctx, func() { err = s.outbound.Retry(localID) }); cerr != nil {
		return cerr
	}
	return err
}

// Keystroke feeds the local input field to the typing debouncer.
func (s *Session) Keystroke(text string) { s.typing.Keystroke(text) }

// LoadOlder fetches and merges the page before the oldest loaded message.
// It returns nil without fetching when history is exhausted and
// ErrLoadInProgress while another load is running. On failure the store is
// left as it was.
func (s *Session) LoadOlder(ctx context.Context) error {
	var (
		started bool
		busy    bool
		cursor  string
	)
	err := s.call(ctx, func() {
		if s.store.IsLoadingOlder() {
			busy = true
			return
		}
		if started = s.store.BeginLoadOlder(); started {
			cursor = s.store.OldestCursor()
			s.touch()
		}
	})
	switch {
	case err != nil:
		return err
	case busy:
		return ErrLoadInProgress
	case !started:
		return nil
	}

	page, err := s.client.Messages.FetchPage(ctx, s.roomID, &PageQuery{
		Cursor:    cursor,
		Limit:     s.opts.PageSize,
		Direction: Before,
	})
	cerr := s.call(context.Background(), func() {
		if err != nil {
			s.store.EndLoadOlder()
			s.notice(Notice{Kind: NoticeLoadFailed, Err: err})
		} else {
			s.store.PrependOlder(page)
		}
		s.touch()
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("older page load failed")
		return err
	}
	return cerr
}

// MarkVisible tells the server the user has seen the conversation. It does
// not wait for the result; failures are logged.
func (s *Session) MarkVisible() {
	s.spawn(func(ctx context.Context) {
		if err := s.client.Rooms.MarkAsRead(ctx, s.roomID); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("mark as read failed")
		}
	})
}

// Close tears the session down: the typing timer, the live channel, the loop
// and every background worker. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		s.typing.Close()
		s.cancel()
		s.channel.Close()
		<-s.done
		s.store.Close()
		close(s.typingOut)
		s.wg.Wait()
		close(s.changes)
		close(s.notices)
		s.log.Info().Msg("session closed")
	})
}

// ============================================================================
// Loop
// ============================================================================

func (s *Session) loop() {
	defer close(s.done)
	events := s.channel.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.ops:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(ev)
		}
		s.flush()
	}
}

// flush publishes a new snapshot if anything changed.
func (s *Session) flush() {
	if s.dirty {
		s.dirty = false
		s.publish()
	}
}

func (s *Session) handleEvent(ev ChannelEvent) {
	switch ev.Kind {
	case EventMessageCreated:
		if s.store.IngestLive(*ev.Message) {
			s.touch()
		}
		if ev.Message.SenderID != s.client.userID && s.peerTyping {
			s.peerTyping = false
			s.touch()
		}
	case EventMessageStatus:
		if s.store.UpdateStatus(ev.MessageID, ev.Status) {
			s.touch()
		}
	case EventTyping:
		if ev.SenderID == s.client.userID || ev.IsTyping == s.peerTyping {
			return
		}
		s.peerTyping = ev.IsTyping
		s.touch()
	case EventState:
		s.state = ev.State
		if ev.State != StateConnected && s.peerTyping {
			s.peerTyping = false
		}
		s.touch()
		if ev.State == StateConnected {
			s.outbound.Flush()
			s.backfill()
		}
	}
}

// backfill pulls everything newer than the newest confirmed message, page by
// page, so messages sent while the channel was down are not lost.
func (s *Session) backfill() {
	if s.backfilling {
		return
	}
	s.backfilling = true
	cursor := s.store.NewestCursor()

	ok := s.spawn(func(ctx context.Context) {
		defer s.post(func() { s.backfilling = false })
		for {
			q := &PageQuery{Cursor: cursor, Limit: s.opts.PageSize, Direction: After}
			if cursor == "" {
				q.Direction = Before
			}
			page, err := s.client.Messages.FetchPage(ctx, s.roomID, q)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn().Err(err).Msg("back-fill failed")
				}
				return
			}
			if !s.post(func() {
				for i := range page.Content {
					if s.store.IngestLive(page.Content[i]) {
						s.touch()
					}
				}
			}) {
				return
			}
			if cursor == "" || !page.HasMore || len(page.Content) == 0 {
				return
			}
			cursor = page.PrevCursor
		}
	})
	if !ok {
		s.backfilling = false
	}
}

func (s *Session) publish() {
	snap := Snapshot{
		Messages:     s.store.Messages(),
		HasMoreOlder: s.store.HasMoreOlder(),
		LoadingOlder: s.store.IsLoadingOlder(),
		PeerTyping:   s.peerTyping,
		State:        s.state,
		PendingSends: s.outbound.Pending(),
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()

	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// ============================================================================
// Scheduling
// ============================================================================

// post queues fn on the loop. It reports false once the session has closed.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	case <-s.ctx.Done():
		return false
	case s.ops <- fn:
		return true
	}
}

// call runs fn on the loop and waits until it finished and its changes are
// visible in Snapshot.
func (s *Session) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	queued := func() {
		defer close(finished)
		fn()
		s.flush()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case <-s.ctx.Done():
		return ErrSessionClosed
	case s.ops <- queued:
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		// The loop may have run fn just before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrSessionClosed
		}
	}
}

func (s *Session) spawn(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
	return true
}

// touch marks the snapshot stale. Loop only.
func (s *Session) touch() { s.dirty = true }

// notice delivers n without blocking the loop. Loop only.
func (s *Session) notice(n Notice) {
	select {
	case s.notices <- n:
	default:
		s.log.Warn().Str("kind", string(n.Kind)).Msg("notice dropped, buffer full")
	}
}

// queueTyping hands typing changes to typingLoop so the debouncer never
// blocks on the network. Close closes the debouncer before typingOut, so
// this never runs against a closed channel.
func (s *Session) queueTyping(isTyping bool) {
	select {
	case s.typingOut <- isTyping:
	default:
		s.log.Debug().Bool("typing", isTyping).Msg("typing update dropped")
	}
}

func (s *Session) typingLoop() {
	defer s.wg.Done()
	for isTyping := range s.typingOut {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := s.channel.SendTyping(ctx, isTyping)
		cancel()
		if err != nil && s.ctx.Err() == nil {
			s.log.Debug().Err(err).Bool("typing", isTyping).Msg("typing push failed")
		}
	}
}
