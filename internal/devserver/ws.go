package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"

	"github.com/hirelane/chatsync"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const socketBuffer = 64

// socket is one live connection of one user to one room.
type socket struct {
	userID string
	conn   *websocket.Conn
	out    chan chatsync.Envelope

	once   sync.Once
	closed chan struct{}
}

func (sock *socket) enqueue(env chatsync.Envelope) {
	select {
	case sock.out <- env:
	case <-sock.closed:
	default:
		// Slow consumer; the client back-fills after reconnecting.
		sock.drop()
	}
}

func (sock *socket) drop() {
	sock.once.Do(func() { close(sock.closed) })
}

func envelope(kind string, payload any) chatsync.Envelope {
	raw, _ := json.Marshal(payload)
	return chatsync.Envelope{Type: kind, Payload: raw}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user := bearer(r)
	roomID := r.URL.Query().Get("room")
	if user == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing token")
		return
	}
	s.mu.Lock()
	rm, ok := s.rooms[roomID]
	s.mu.Unlock()
	if !ok || !rm.conv.Has(user) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "not a participant")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	sock := &socket{
		userID: user,
		conn:   conn,
		out:    make(chan chatsync.Envelope, socketBuffer),
		closed: make(chan struct{}),
	}
	sock.out <- envelope("ready", map[string]string{"room": roomID})

	s.mu.Lock()
	rm.sockets[sock] = struct{}{}
	s.deliverPending(rm, user)
	s.mu.Unlock()
	s.log.Info().Str("room", roomID).Str("user", user).Msg("socket joined")

	defer func() {
		s.mu.Lock()
		delete(rm.sockets, sock)
		s.mu.Unlock()
		s.log.Info().Str("room", roomID).Str("user", user).Msg("socket left")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- s.readLoop(ctx, sock, rm) }()
	go func() { errCh <- writeLoop(ctx, sock) }()

	select {
	case err = <-errCh:
	case <-sock.closed:
		err = errors.New("dropped")
	}
	cancel()

	status := websocket.StatusNormalClosure
	if code := websocket.CloseStatus(err); code != -1 {
		status = code
	} else if err != nil && !errors.Is(err, context.Canceled) {
		status = websocket.StatusGoingAway
	}
	conn.Close(status, "")
}

// deliverPending marks the peer's undelivered messages delivered now that
// user is online. Callers hold s.mu.
func (s *Server) deliverPending(rm *room, user string) {
	for _, m := range rm.messages {
		if m.SenderID == user || m.Status != chatsync.StatusSent {
			continue
		}
		m.Status = chatsync.StatusDelivered
		rm.broadcast(envelope("message.status", chatsync.StatusPayload{ID: m.ID, Status: m.Status}), nil)
	}
}

func (s *Server) readLoop(ctx context.Context, sock *socket, rm *room) error {
	for {
		var env chatsync.Envelope
		if err := wsjson.Read(ctx, sock.conn, &env); err != nil {
			return err
		}
		switch env.Type {
		case "typing":
			var p chatsync.TypingPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				s.log.Warn().Err(err).Str("user", sock.userID).Msg("malformed typing frame")
				continue
			}
			p.SenderID = sock.userID
			s.mu.Lock()
			rm.broadcast(envelope("typing", p), sock)
			s.mu.Unlock()
		default:
			s.log.Debug().Str("type", env.Type).Msg("ignoring client frame")
		}
	}
}

func writeLoop(ctx context.Context, sock *socket) error {
	for {
		select {
		case env := <-sock.out:
			if err := wsjson.Write(ctx, sock.conn, env); err != nil {
				return err
			}
		case <-sock.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sortConversations(list []chatsync.Conversation) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}
