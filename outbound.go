package chatsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// MaxContentLength bounds message text, counted in UTF-16 code units.
	MaxContentLength = 1000

	// DefaultRetryLimit bounds automatic resends of one failed message.
	DefaultRetryLimit = 5

	localIDPrefix = "local-"
)

// Validate checks a send before anything is uploaded or inserted.
func Validate(text string, file *AttachmentFile) error {
	if strings.TrimSpace(text) == "" && file == nil {
		return ErrEmptyMessage
	}
	if utf16Len(text) > MaxContentLength {
		return ErrContentTooLong
	}
	if file != nil && file.Size() > MaxAttachmentSize {
		return ErrAttachmentTooLarge
	}
	return nil
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// IsLocalID reports whether id names a provisional message.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// ============================================================================
// Notices
// ============================================================================

// NoticeKind classifies a user-visible failure.
type NoticeKind string

const (
	// NoticeUploadFailed: the attachment never uploaded, nothing was inserted.
	// Text carries the original input so the caller can restore it.
	NoticeUploadFailed NoticeKind = "upload_failed"
	NoticeSendFailed   NoticeKind = "send_failed"
	NoticeLoadFailed   NoticeKind = "load_failed"
)

// Notice reports a failure the user should see.
type Notice struct {
	Kind    NoticeKind
	Text    string
	LocalID string
	Err     error
}

// ============================================================================
// Outbox
// ============================================================================

type opState string

const (
	opUploading opState = "uploading"
	opQueued    opState = "queued"
	opInFlight  opState = "in_flight"
	opFailed    opState = "failed"
)

// outboxOp is one send from the moment Send accepted it until the server
// confirms it. The ClientID in request doubles as the idempotency key, so a
// resend never creates a second server message.
type outboxOp struct {
	localID   string
	request   SendRequest
	original  string
	state     opState
	retries   int
	createdAt time.Time
	lastErr   error
}

// executor runs pipeline work against a session: post schedules fn on the
// mutation goroutine, spawn starts a worker bound to the session's lifetime.
// Both return false once the session has closed.
type executor interface {
	post(fn func()) bool
	spawn(fn func(ctx context.Context)) bool
	notice(n Notice)
	touch()
}

// Pipeline carries outgoing messages from validation to confirmation.
//
// Sends are committed strictly one at a time, in the order Send was called.
// An attachment upload may finish early, but its commit still waits for the
// sends queued before it. Fields below exec are owned by the session's
// mutation goroutine.
type Pipeline struct {
	client     *Client
	roomID     string
	userID     string
	retryLimit int
	log        zerolog.Logger
	exec       executor

	store    *Store
	typing   *TypingDebouncer
	outbox   map[string]*outboxOp
	queue    []*outboxOp
	inFlight *outboxOp
}

func newPipeline(client *Client, roomID string, store *Store, typing *TypingDebouncer, exec executor, retryLimit int, log zerolog.Logger) *Pipeline {
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}
	return &Pipeline{
		client:     client,
		roomID:     roomID,
		userID:     client.userID,
		retryLimit: retryLimit,
		log:        log,
		exec:       exec,
		store:      store,
		typing:     typing,
		outbox:     make(map[string]*outboxOp),
	}
}

// Send validates synchronously and takes the message's place in the send
// queue before returning. Upload, optimistic insert and commit follow in
// the background.
func (p *Pipeline) Send(ctx context.Context, text string, file *AttachmentFile) error {
	if err := Validate(text, file); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	content := strings.TrimSpace(text)
	if !p.exec.post(func() { p.enqueue(text, content, file) }) {
		return ErrSessionClosed
	}
	return nil
}

// enqueue appends a new send to the queue. Runs on the mutation goroutine.
func (p *Pipeline) enqueue(original, content string, file *AttachmentFile) {
	clientID := uuid.NewString()
	op := &outboxOp{
		localID:   localIDPrefix + clientID,
		request:   SendRequest{ClientID: clientID, Content: content},
		original:  original,
		state:     opQueued,
		createdAt: time.Now().UTC(),
	}
	p.queue = append(p.queue, op)

	if file == nil {
		p.insertPending(op)
		p.pump()
		return
	}

	op.state = opUploading
	if !p.exec.spawn(func(ctx context.Context) { p.upload(ctx, op, file) }) {
		p.unqueue(op)
	}
}

// upload runs on a worker. The op keeps its queue slot while it uploads.
func (p *Pipeline) upload(ctx context.Context, op *outboxOp, file *AttachmentFile) {
	up, err := p.client.Files.Upload(ctx, file)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.log.Warn().Err(err).Str("file", file.Name).Msg("attachment upload failed")
		err = fmt.Errorf("%w: %v", ErrUpload, err)
		p.exec.post(func() {
			p.unqueue(op)
			p.exec.notice(Notice{Kind: NoticeUploadFailed, Text: op.original, Err: err})
			p.pump()
		})
		return
	}

	att := Attachment{URL: up.URL, Type: Classify(up.MimeType), FileName: up.FileName}
	p.exec.post(func() {
		op.request.Attachments = []Attachment{att}
		op.state = opQueued
		p.insertPending(op)
		p.pump()
	})
}

// insertPending shows op optimistically. Its timestamp is the time Send was
// called, so provisional entries keep call order even when an upload lags.
func (p *Pipeline) insertPending(op *outboxOp) {
	var att *Attachment
	if len(op.request.Attachments) > 0 {
		a := op.request.Attachments[0]
		att = &a
	}
	p.store.AddPending(Message{
		ID:             op.localID,
		ClientID:       op.request.ClientID,
		ConversationID: p.roomID,
		SenderID:       p.userID,
		Content:        op.request.Content,
		Attachment:     att,
		CreatedAt:      op.createdAt,
		Status:         StatusSent,
	})
	p.outbox[op.localID] = op
	p.typing.Stop()
	p.exec.touch()
	p.log.Debug().Str("client_id", op.request.ClientID).Msg("message queued")
}

func (p *Pipeline) unqueue(op *outboxOp) {
	for i, q := range p.queue {
		if q == op {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

// pump commits the head of the queue once nothing else is in flight. A head
// still uploading holds back everything behind it.
func (p *Pipeline) pump() {
	if p.inFlight != nil || len(p.queue) == 0 {
		return
	}
	op := p.queue[0]
	if op.state != opQueued {
		return
	}
	p.queue = p.queue[1:]
	p.commit(op)
}

func (p *Pipeline) commit(op *outboxOp) {
	op.state = opInFlight
	p.inFlight = op
	req := op.request
	ok := p.exec.spawn(func(ctx context.Context) {
		msg, err := p.client.Messages.Send(ctx, p.roomID, &req)
		if ctx.Err() != nil {
			return
		}
		p.exec.post(func() { p.complete(op, msg, err) })
	})
	if !ok {
		op.state = opFailed
		p.inFlight = nil
	}
}

// complete applies a commit result and moves on to the next queued send.
// Runs on the mutation goroutine.
func (p *Pipeline) complete(op *outboxOp, msg *Message, err error) {
	if p.inFlight == op {
		p.inFlight = nil
	}
	defer p.pump()

	if err == nil {
		delete(p.outbox, op.localID)
		confirmed := *msg
		if confirmed.ClientID == "" {
			confirmed.ClientID = op.request.ClientID
		}
		p.store.Confirm(op.localID, confirmed)
		p.exec.touch()
		p.log.Debug().Str("client_id", op.request.ClientID).Str("id", msg.ID).Msg("message confirmed")
		return
	}

	op.state = opFailed
	op.lastErr = err
	op.retries++
	if !IsRetryable(err) {
		// Resending will not help; leave it to an explicit Retry.
		op.retries = p.retryLimit
	}
	p.store.MarkFailed(op.localID)
	p.exec.touch()
	p.exec.notice(Notice{Kind: NoticeSendFailed, Text: op.request.Content, LocalID: op.localID, Err: err})
	p.log.Warn().Err(err).
		Str("client_id", op.request.ClientID).
		Int("retries", op.retries).
		Msg("message send failed")
}

// Flush requeues every failed op that still has automatic retries left,
// oldest first.
func (p *Pipeline) Flush() int {
	var ready []*outboxOp
	for _, op := range p.outbox {
		if op.state == opFailed && op.retries < p.retryLimit {
			ready = append(ready, op)
		}
	}
	if len(ready) == 0 {
		return 0
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].createdAt.Before(ready[j].createdAt) })
	for _, op := range ready {
		p.requeue(op)
	}
	p.exec.touch()
	p.log.Info().Int("count", len(ready)).Msg("flushing outbox")
	p.pump()
	return len(ready)
}

// Retry requeues one failed message regardless of its retry count.
func (p *Pipeline) Retry(localID string) error {
	op, ok := p.outbox[localID]
	if !ok || op.state != opFailed {
		return fmt.Errorf("%w: %s", ErrNoSuchSend, localID)
	}
	p.requeue(op)
	p.exec.touch()
	p.pump()
	return nil
}

func (p *Pipeline) requeue(op *outboxOp) {
	p.store.MarkRetrying(op.localID)
	op.state = opQueued
	p.queue = append(p.queue, op)
}

// Pending returns the number of unconfirmed sends shown in the store.
func (p *Pipeline) Pending() int {
	return len(p.outbox)
}
