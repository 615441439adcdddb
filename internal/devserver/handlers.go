package devserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hirelane/chatsync"
)

// roomFor looks up the room in the URL and checks membership. On failure the
// response is already written. Callers hold s.mu.
func (s *Server) roomFor(w http.ResponseWriter, r *http.Request) *room {
	rm, ok := s.rooms[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "room not found")
		return nil
	}
	if !rm.conv.Has(userFrom(r.Context())) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "not a participant")
		return nil
	}
	return rm
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	s.mu.Lock()
	list := make([]chatsync.Conversation, 0, len(s.rooms))
	for _, rm := range s.rooms {
		if rm.conv.Has(user) {
			list = append(list, s.withPresence(rm))
		}
	}
	s.mu.Unlock()

	sortConversations(list)
	writeData(w, http.StatusOK, list)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rm := s.roomFor(w, r)
	if rm == nil {
		s.mu.Unlock()
		return
	}
	conv := s.withPresence(rm)
	s.mu.Unlock()
	writeData(w, http.StatusOK, conv)
}

// withPresence reports a participant online while they hold a socket.
func (s *Server) withPresence(rm *room) chatsync.Conversation {
	conv := rm.conv
	for _, p := range []*chatsync.Participant{&conv.Candidate, &conv.Recruiter} {
		if rm.online(p.ID) > 0 {
			p.Presence = chatsync.PresenceOnline
		} else if p.Presence == "" {
			p.Presence = chatsync.PresenceOffline
		}
	}
	return conv
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := chatsync.DefaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "VALIDATION", "limit must be a positive integer")
			return
		}
		limit = min(n, chatsync.MaxPageSize)
	}
	dir := chatsync.Direction(q.Get("direction"))
	switch dir {
	case "":
		dir = chatsync.Before
	case chatsync.Before, chatsync.After:
	default:
		writeError(w, http.StatusBadRequest, "VALIDATION", "direction must be before or after")
		return
	}
	cursor := q.Get("cursor")
	if cursor != "" {
		if _, err := chatsync.ParseCursor(cursor); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "malformed cursor")
			return
		}
	}

	s.mu.Lock()
	rm := s.roomFor(w, r)
	if rm == nil {
		s.mu.Unlock()
		return
	}
	page := paginate(rm.messages, cursor, limit, dir)
	s.mu.Unlock()

	writeData(w, http.StatusOK, page)
}

// paginate slices ascending history. Before returns the newest limit
// messages strictly older than cursor; After the oldest limit strictly newer.
func paginate(all []*chatsync.Message, cursor string, limit int, dir chatsync.Direction) chatsync.Page {
	lo, hi := 0, len(all)
	if cursor != "" {
		at, _ := chatsync.ParseCursor(cursor)
		if dir == chatsync.Before {
			hi = 0
			for hi < len(all) && all[hi].CreatedAt.Before(at) {
				hi++
			}
		} else {
			for lo < len(all) && !all[lo].CreatedAt.After(at) {
				lo++
			}
		}
	}

	var page chatsync.Page
	if dir == chatsync.Before {
		start := max(lo, hi-limit)
		page.HasMore = start > lo
		lo = start
	} else {
		end := min(hi, lo+limit)
		page.HasMore = end < hi
		hi = end
	}

	page.Content = make([]chatsync.Message, 0, hi-lo)
	for _, m := range all[lo:hi] {
		page.Content = append(page.Content, *m)
	}
	if n := len(page.Content); n > 0 {
		page.NextCursor = chatsync.FormatCursor(page.Content[0].CreatedAt)
		page.PrevCursor = chatsync.FormatCursor(page.Content[n-1].CreatedAt)
	}
	return page
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req chatsync.SendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "malformed body")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION", "message has no text and no attachment")
		return
	}
	if len(utf16.Encode([]rune(req.Content))) > chatsync.MaxContentLength {
		writeError(w, http.StatusBadRequest, "VALIDATION", "message too long")
		return
	}
	user := userFrom(r.Context())

	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.roomFor(w, r)
	if rm == nil {
		return
	}
	if req.ClientID != "" {
		if prev, ok := rm.byKey[user+"/"+req.ClientID]; ok {
			writeData(w, http.StatusOK, prev)
			return
		}
	}
	if s.failSends > 0 {
		s.failSends--
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "try again later")
		return
	}

	m := &chatsync.Message{
		ID:             uuid.NewString(),
		ClientID:       req.ClientID,
		ConversationID: rm.conv.ID,
		SenderID:       user,
		Content:        req.Content,
		CreatedAt:      s.nextTimestamp(),
		Status:         chatsync.StatusSent,
	}
	if len(req.Attachments) > 0 {
		a := req.Attachments[0]
		m.Attachment = &a
	}
	rm.insert(m)
	rm.broadcast(envelope("message.created", m), nil)

	peer := rm.conv.Peer(user)
	if rm.online(peer.ID) > 0 {
		m.Status = chatsync.StatusDelivered
		rm.broadcast(envelope("message.status", chatsync.StatusPayload{ID: m.ID, Status: m.Status}), nil)
	}
	s.log.Info().Str("room", rm.conv.ID).Str("sender", user).Str("id", m.ID).Msg("message created")
	writeData(w, http.StatusCreated, m)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.roomFor(w, r)
	if rm == nil {
		return
	}
	marked := 0
	for _, m := range rm.messages {
		if m.SenderID == user || !m.Status.Advances(chatsync.StatusRead) {
			continue
		}
		m.Status = chatsync.StatusRead
		marked++
		rm.broadcast(envelope("message.status", chatsync.StatusPayload{ID: m.ID, Status: m.Status}), nil)
	}
	writeData(w, http.StatusOK, map[string]int{"marked": marked})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, chatsync.MaxAttachmentSize+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "attachment exceeds 10 MB")
			return
		}
		writeError(w, http.StatusBadRequest, "VALIDATION", "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "unreadable file")
		return
	}
	if len(data) > chatsync.MaxAttachmentSize {
		writeError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "attachment exceeds 10 MB")
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	s.mu.Lock()
	if s.failUploads {
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, "STORAGE", "upload storage unavailable")
		return
	}
	id := uuid.NewString()
	s.uploads[id] = &upload{name: header.Filename, mimeType: mimeType, data: data}
	s.mu.Unlock()

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	writeData(w, http.StatusCreated, chatsync.UploadResult{
		URL:      scheme + "://" + r.Host + "/files/" + id,
		FileName: header.Filename,
		MimeType: mimeType,
		Size:     int64(len(data)),
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	up, ok := s.uploads[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", up.mimeType)
	w.Header().Set("Content-Disposition", `inline; filename="`+strings.ReplaceAll(up.name, `"`, "")+`"`)
	_, _ = w.Write(up.data)
}
