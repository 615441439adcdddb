// Package devserver is an in-memory chat backend speaking the same HTTP and
// websocket contract as production. It backs `chatsync serve` and the
// end-to-end tests; nothing is persisted.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/hirelane/chatsync"
	"github.com/rs/zerolog"
)

// Server holds rooms, messages, uploads and live sockets.
type Server struct {
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	rooms   map[string]*room
	uploads map[string]*upload
	last    time.Time

	failSends   int
	failUploads bool
}

type room struct {
	conv     chatsync.Conversation
	messages []*chatsync.Message
	byKey    map[string]*chatsync.Message // senderID + "/" + clientID
	sockets  map[*socket]struct{}
}

type upload struct {
	name     string
	mimeType string
	data     []byte
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and socket logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = *logger
		}
	}
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		log:     zerolog.Nop(),
		now:     time.Now,
		rooms:   make(map[string]*room),
		uploads: make(map[string]*upload),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving the whole contract.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/files/{id}", s.handleFile)
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/rooms", s.handleListRooms)
		r.Route("/rooms/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRoom)
			r.Get("/messages", s.handleListMessages)
			r.Post("/messages", s.handleSendMessage)
			r.Post("/read", s.handleMarkRead)
		})
		r.Post("/uploads", s.handleUpload)
	})
	return r
}

// ============================================================================
// Seeding and test controls
// ============================================================================

// AddRoom registers a conversation.
func (s *Server) AddRoom(conv chatsync.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now().UTC()
	}
	s.rooms[conv.ID] = &room{
		conv:    conv,
		byKey:   make(map[string]*chatsync.Message),
		sockets: make(map[*socket]struct{}),
	}
}

// AddMessage stores m as history without broadcasting it. Missing ID,
// status and timestamp are filled in.
func (s *Server) AddMessage(roomID string, m chatsync.Message) (chatsync.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomID]
	if !ok {
		return chatsync.Message{}, fmt.Errorf("room %q not found", roomID)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = chatsync.StatusSent
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.nextTimestamp()
	} else if m.CreatedAt.After(s.last) {
		s.last = m.CreatedAt
	}
	m.ConversationID = roomID
	rm.insert(&m)
	return m, nil
}

// Messages returns a room's history in ascending order.
func (s *Server) Messages(roomID string) []chatsync.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]chatsync.Message, len(rm.messages))
	for i, m := range rm.messages {
		out[i] = *m
	}
	return out
}

// FailNextSends makes the next n message sends answer 503.
func (s *Server) FailNextSends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSends = n
}

// FailUploads makes every upload answer 500 while on is true.
func (s *Server) FailUploads(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUploads = on
}

// DropConnections closes every live socket, as a network blip would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	var all []*socket
	for _, rm := range s.rooms {
		for sock := range rm.sockets {
			all = append(all, sock)
		}
	}
	s.mu.Unlock()
	for _, sock := range all {
		sock.drop()
	}
}

// Connected reports how many sockets userID has open in roomID.
func (s *Server) Connected(roomID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return rm.online(userID)
}

// Seed loads two demo rooms. The bearer token of a user is their ID.
func (s *Server) Seed() {
	recruiter := chatsync.Participant{ID: "rec-1", Name: "Rita Recruiter", Presence: chatsync.PresenceOnline}
	s.AddRoom(chatsync.Conversation{
		ID:        "room-1",
		Candidate: chatsync.Participant{ID: "cand-1", Name: "Ada Candidate", Presence: chatsync.PresenceOffline},
		Recruiter: recruiter,
	})
	s.AddRoom(chatsync.Conversation{
		ID:        "room-2",
		Candidate: chatsync.Participant{ID: "cand-2", Name: "Linus Applicant", Presence: chatsync.PresenceOffline},
		Recruiter: recruiter,
	})

	start := s.now().UTC().Add(-2 * time.Hour)
	lines := []string{
		"Hi Ada, thanks for applying to the backend role.",
		"Thanks! Happy to hear from you.",
		"Are you free for a call this week?",
		"Thursday afternoon works for me.",
		"Great, I'll send an invite.",
	}
	for i := 0; i < 45; i++ {
		sender := "rec-1"
		if i%2 == 1 {
			sender = "cand-1"
		}
		_, _ = s.AddMessage("room-1", chatsync.Message{
			SenderID:  sender,
			Content:   fmt.Sprintf("%s (#%d)", lines[i%len(lines)], i+1),
			CreatedAt: start.Add(time.Duration(i) * time.Minute),
			Status:    chatsync.StatusRead,
		})
	}
	_, _ = s.AddMessage("room-2", chatsync.Message{
		SenderID:  "rec-1",
		Content:   "Hello Linus, could you share your portfolio?",
		CreatedAt: start,
		Status:    chatsync.StatusDelivered,
	})
}

// ============================================================================
// Room helpers (callers hold s.mu)
// ============================================================================

func (rm *room) insert(m *chatsync.Message) {
	i := sort.Search(len(rm.messages), func(i int) bool {
		return rm.messages[i].CreatedAt.After(m.CreatedAt)
	})
	rm.messages = append(rm.messages, nil)
	copy(rm.messages[i+1:], rm.messages[i:])
	rm.messages[i] = m
	if m.ClientID != "" {
		rm.byKey[m.SenderID+"/"+m.ClientID] = m
	}
}

func (rm *room) online(userID string) int {
	n := 0
	for sock := range rm.sockets {
		if sock.userID == userID {
			n++
		}
	}
	return n
}

func (rm *room) broadcast(env chatsync.Envelope, except *socket) {
	for sock := range rm.sockets {
		if sock != except {
			sock.enqueue(env)
		}
	}
}

// nextTimestamp returns a timestamp strictly after every earlier one.
func (s *Server) nextTimestamp() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// ============================================================================
// HTTP plumbing
// ============================================================================

type ctxKey struct{}

// authenticate resolves the bearer token (or ?token=) to a user ID.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := bearer(r)
		if user == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(ctxKey{}).(string)
	return u
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func writeData(w http.ResponseWriter, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeResult(w, status, chatsync.Result{OK: true, Data: raw})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeResult(w, status, chatsync.Result{Error: &chatsync.APIError{Code: code, Message: message}})
}

func writeResult(w http.ResponseWriter, status int, res chatsync.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
