package chatsync

import (
	"fmt"
	"math/rand"
	"testing"
	"time"
)

var epoch = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

// at returns the n-th test timestamp, one second apart.
func at(n int) time.Time { return epoch.Add(time.Duration(n) * time.Second) }

func msgAt(n int, sender string) Message {
	return Message{
		ID:             fmt.Sprintf("m%d", n),
		ConversationID: "room",
		SenderID:       sender,
		Content:        fmt.Sprintf("message %d", n),
		CreatedAt:      at(n),
		Status:         StatusSent,
	}
}

func pageOf(from, to int, hasMore bool) *Page {
	p := &Page{HasMore: hasMore}
	for i := from; i <= to; i++ {
		p.Content = append(p.Content, msgAt(i, "peer"))
	}
	return p
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertInvariant(t *testing.T, s *Store) {
	t.Helper()
	msgs := s.Messages()
	seen := make(map[string]bool, len(msgs))
	for i, m := range msgs {
		if seen[m.ID] {
			t.Fatalf("duplicate id %q in %v", m.ID, ids(msgs))
		}
		seen[m.ID] = true
		if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("order broken at %d: %v before %v", i, msgs[i-1].CreatedAt, m.CreatedAt)
		}
	}
}

// ===========================================================================
// History
// ===========================================================================

func TestStoreLoadInitial(t *testing.T) {
	s := NewStore("room", "me")
	s.LoadInitial(pageOf(10, 29, true))

	msgs := s.Messages()
	if len(msgs) != 20 {
		t.Fatalf("Expected 20 messages, got %d", len(msgs))
	}
	if !s.HasMoreOlder() {
		t.Error("Expected hasMoreOlder")
	}
	if msgs[0].ID != "m10" || msgs[19].ID != "m29" {
		t.Errorf("Unexpected bounds %s..%s", msgs[0].ID, msgs[19].ID)
	}
	if got := s.OldestCursor(); got != FormatCursor(at(10)) {
		t.Errorf("OldestCursor = %s", got)
	}
	if got := s.NewestCursor(); got != FormatCursor(at(29)) {
		t.Errorf("NewestCursor = %s", got)
	}
	assertInvariant(t, s)
}

func TestStorePrependOlder(t *testing.T) {
	s := NewStore("room", "me")
	s.LoadInitial(pageOf(10, 29, true))

	t.Run("Merges older page in front", func(t *testing.T) {
		s.PrependOlder(pageOf(5, 9, false))
		msgs := s.Messages()
		if len(msgs) != 25 {
			t.Fatalf("Expected 25 messages, got %d", len(msgs))
		}
		for i, m := range msgs {
			if want := fmt.Sprintf("m%d", i+5); m.ID != want {
				t.Fatalf("position %d = %s, want %s", i, m.ID, want)
			}
		}
		if s.HasMoreOlder() {
			t.Error("Expected history exhausted")
		}
	})

	t.Run("Same page twice is a no-op", func(t *testing.T) {
		before := ids(s.Messages())
		s.PrependOlder(pageOf(5, 9, false))
		after := ids(s.Messages())
		if fmt.Sprint(before) != fmt.Sprint(after) {
			t.Fatalf("Second merge changed store:\n%v\n%v", before, after)
		}
	})

	t.Run("Overlapping page drops known ids", func(t *testing.T) {
		s.PrependOlder(pageOf(3, 12, false))
		if n := len(s.Messages()); n != 27 {
			t.Fatalf("Expected 27 messages, got %d", n)
		}
		assertInvariant(t, s)
	})
}

func TestStoreLoadOlderGuard(t *testing.T) {
	s := NewStore("room", "me")
	s.LoadInitial(pageOf(10, 29, true))

	if !s.BeginLoadOlder() {
		t.Fatal("Expected first load to start")
	}
	if s.BeginLoadOlder() {
		t.Fatal("Second concurrent load must be rejected")
	}
	if !s.IsLoadingOlder() {
		t.Error("Expected loading flag")
	}

	s.EndLoadOlder()
	if s.IsLoadingOlder() {
		t.Error("EndLoadOlder must clear the flag")
	}
	if n := len(s.Messages()); n != 20 {
		t.Errorf("Failed load must not touch messages, got %d", n)
	}

	s.BeginLoadOlder()
	s.PrependOlder(pageOf(0, 9, false))
	if s.BeginLoadOlder() {
		t.Error("Exhausted history must not start a load")
	}
}

func TestStoreLoadInitialKeepsPending(t *testing.T) {
	s := NewStore("room", "me")
	s.AddPending(Message{ID: "local-1", ClientID: "c1", SenderID: "me", Content: "draft", CreatedAt: at(100)})
	s.LoadInitial(pageOf(0, 4, false))

	msgs := s.Messages()
	if len(msgs) != 6 {
		t.Fatalf("Expected 6 messages, got %d", len(msgs))
	}
	if last := msgs[5]; last.ID != "local-1" || !last.Pending {
		t.Errorf("Pending entry lost: %+v", last)
	}
	if got := s.NewestCursor(); got != FormatCursor(at(4)) {
		t.Errorf("NewestCursor must skip pending entries, got %s", got)
	}
}

// ===========================================================================
// Live events
// ===========================================================================

func TestStoreStatusForwardOnly(t *testing.T) {
	s := NewStore("room", "me")
	s.LoadInitial(pageOf(0, 2, false))

	tests := []struct {
		name    string
		id      string
		status  Status
		changed bool
		want    Status
	}{
		{"sent to delivered", "m0", StatusDelivered, true, StatusDelivered},
		{"delivered to read", "m0", StatusRead, true, StatusRead},
		{"read back to delivered", "m0", StatusDelivered, false, StatusRead},
		{"same status", "m1", StatusSent, false, StatusSent},
		{"skip straight to read", "m1", StatusRead, true, StatusRead},
		{"client-only failed ignored", "m2", StatusFailed, false, StatusSent},
		{"unknown id", "nope", StatusRead, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.UpdateStatus(tt.id, tt.status); got != tt.changed {
				t.Fatalf("UpdateStatus changed = %v, want %v", got, tt.changed)
			}
			m, _ := s.Get(tt.id)
			if m.Status != tt.want {
				t.Errorf("status = %q, want %q", m.Status, tt.want)
			}
		})
	}

	t.Run("Live duplicate with older status is ignored", func(t *testing.T) {
		stale := msgAt(0, "peer")
		stale.Status = StatusSent
		if s.IngestLive(stale) {
			t.Fatal("Expected no change")
		}
		if m, _ := s.Get("m0"); m.Status != StatusRead {
			t.Errorf("status regressed to %s", m.Status)
		}
	})

	t.Run("Live duplicate with newer status replaces", func(t *testing.T) {
		fresh := msgAt(2, "peer")
		fresh.Status = StatusDelivered
		if !s.IngestLive(fresh) {
			t.Fatal("Expected change")
		}
		if n := s.Len(); n != 3 {
			t.Errorf("Expected 3 messages, got %d", n)
		}
	})
}

func TestStoreIngestLiveInsertsInOrder(t *testing.T) {
	s := NewStore("room", "me")
	s.LoadInitial(&Page{Content: []Message{msgAt(1, "peer"), msgAt(5, "peer")}})

	s.IngestLive(msgAt(3, "peer"))
	s.IngestLive(msgAt(9, "peer"))
	s.IngestLive(msgAt(0, "peer"))

	if got := fmt.Sprint(ids(s.Messages())); got != "[m0 m1 m3 m5 m9]" {
		t.Fatalf("order = %s", got)
	}
}

func TestStoreOptimisticReconciliation(t *testing.T) {
	pending := func(id, clientID, content string, n int) Message {
		return Message{ID: id, ClientID: clientID, SenderID: "me", Content: content, CreatedAt: at(n), Status: StatusSent}
	}
	server := func(id, clientID, content string, n int) Message {
		return Message{ID: id, ClientID: clientID, SenderID: "me", Content: content, CreatedAt: at(n), Status: StatusSent}
	}

	t.Run("Confirm then echo", func(t *testing.T) {
		s := NewStore("room", "me")
		s.AddPending(pending("local-1", "c1", "hello", 10))
		s.Confirm("local-1", server("srv-1", "c1", "hello", 11))
		s.IngestLive(server("srv-1", "c1", "hello", 11))

		msgs := s.Messages()
		if len(msgs) != 1 || msgs[0].ID != "srv-1" || msgs[0].Pending {
			t.Fatalf("Expected one confirmed srv-1, got %+v", msgs)
		}
	})

	t.Run("Echo then confirm", func(t *testing.T) {
		s := NewStore("room", "me")
		s.AddPending(pending("local-1", "c1", "hello", 10))
		s.IngestLive(server("srv-1", "c1", "hello", 11))
		s.Confirm("local-1", server("srv-1", "c1", "hello", 11))

		msgs := s.Messages()
		if len(msgs) != 1 || msgs[0].ID != "srv-1" {
			t.Fatalf("Expected one message srv-1, got %v", ids(msgs))
		}
	})

	t.Run("Echo without key replaces the last matching pending entry", func(t *testing.T) {
		s := NewStore("room", "me")
		s.AddPending(Message{ID: "local-1", SenderID: "me", Content: "ok", CreatedAt: at(10)})
		s.AddPending(Message{ID: "local-2", SenderID: "me", Content: "ok", CreatedAt: at(11)})
		s.IngestLive(server("srv-1", "", "ok", 12))

		got := ids(s.Messages())
		if fmt.Sprint(got) != "[local-1 srv-1]" {
			t.Fatalf("ids = %v", got)
		}
	})

	t.Run("Different keys never match", func(t *testing.T) {
		s := NewStore("room", "me")
		s.AddPending(pending("local-1", "c1", "ok", 10))
		s.IngestLive(server("srv-9", "c9", "ok", 12))
		if n := s.Len(); n != 2 {
			t.Fatalf("Expected 2 messages, got %d", n)
		}
	})

	t.Run("Peer message with same text is not a confirmation", func(t *testing.T) {
		s := NewStore("room", "me")
		s.AddPending(Message{ID: "local-1", SenderID: "me", Content: "ok", CreatedAt: at(10)})
		peer := server("srv-1", "", "ok", 11)
		peer.SenderID = "peer"
		s.IngestLive(peer)
		if n := s.Len(); n != 2 {
			t.Fatalf("Expected 2 messages, got %d", n)
		}
	})

	t.Run("Attachment must match too", func(t *testing.T) {
		s := NewStore("room", "me")
		local := Message{ID: "local-1", SenderID: "me", CreatedAt: at(10),
			Attachment: &Attachment{URL: "http://x/a.png", Type: AttachmentImage, FileName: "a.png"}}
		s.AddPending(local)
		echo := server("srv-1", "", "", 11)
		echo.Attachment = &Attachment{URL: "http://x/b.png", Type: AttachmentImage, FileName: "b.png"}
		s.IngestLive(echo)
		if n := s.Len(); n != 2 {
			t.Fatalf("Expected 2 messages, got %d", n)
		}
	})

	t.Run("Confirmation re-positions by server timestamp", func(t *testing.T) {
		s := NewStore("room", "me")
		s.LoadInitial(&Page{Content: []Message{msgAt(5, "peer"), msgAt(20, "peer")}})
		s.AddPending(pending("local-1", "c1", "late clock", 30))
		s.Confirm("local-1", server("srv-1", "c1", "late clock", 7))

		if got := fmt.Sprint(ids(s.Messages())); got != "[m5 srv-1 m20]" {
			t.Fatalf("order = %s", got)
		}
	})
}

func TestStoreFailedSend(t *testing.T) {
	s := NewStore("room", "me")
	s.AddPending(Message{ID: "local-1", ClientID: "c1", SenderID: "me", Content: "x"})

	if !s.MarkFailed("local-1") {
		t.Fatal("MarkFailed reported no change")
	}
	if m, _ := s.Get("local-1"); m.Status != StatusFailed || !m.Pending {
		t.Fatalf("Expected failed pending entry, got %+v", m)
	}
	if s.UpdateStatus("local-1", StatusRead) {
		t.Error("Server statuses must not apply to provisional entries")
	}
	if !s.MarkRetrying("local-1") {
		t.Fatal("MarkRetrying reported no change")
	}
	if m, _ := s.Get("local-1"); m.Status != StatusSent {
		t.Errorf("Expected sent after retry, got %s", m.Status)
	}
	if s.MarkFailed("m-unknown") {
		t.Error("Unknown id must be a no-op")
	}
}

func TestStoreConfirmWithoutServerID(t *testing.T) {
	s := NewStore("room", "me")
	s.AddPending(Message{ID: "local-1", ClientID: "c1", SenderID: "me", Content: "x", CreatedAt: at(1)})

	if s.Confirm("local-1", Message{ClientID: "c1", SenderID: "me", Content: "x", CreatedAt: at(1)}) {
		t.Fatal("Confirm with an empty id reported a change")
	}
	if _, ok := s.Get(""); ok {
		t.Error("Empty id indexed")
	}
	if m, ok := s.Get("local-1"); !ok || !m.Pending {
		t.Errorf("Provisional entry lost: %+v", m)
	}
	assertInvariant(t, s)
}

func TestStoreClosed(t *testing.T) {
	s := NewStore("room", "me")
	s.LoadInitial(pageOf(0, 4, true))
	s.Close()

	s.IngestLive(msgAt(9, "peer"))
	s.PrependOlder(pageOf(-5, -1, false))
	s.UpdateStatus("m0", StatusRead)
	s.AddPending(Message{ID: "local-1", Content: "x"})

	if n := s.Len(); n != 5 {
		t.Errorf("Closed store changed: %d messages", n)
	}
	if m, _ := s.Get("m0"); m.Status != StatusSent {
		t.Errorf("Closed store changed status to %s", m.Status)
	}
	if s.BeginLoadOlder() {
		t.Error("Closed store must not start loads")
	}
}

// ===========================================================================
// Ordering under random interleavings
// ===========================================================================

func TestStoreOrderingUnderRandomInterleavings(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			s := NewStore("room", "me")
			s.LoadInitial(pageOf(500, 519, true))

			oldest := 500
			var pendingIDs []string
			next := 1000

			for step := 0; step < 300; step++ {
				switch rng.Intn(6) {
				case 0: // older page, sometimes overlapping
					if s.BeginLoadOlder() {
						to := oldest - 1 + rng.Intn(3)
						from := to - rng.Intn(10)
						s.PrependOlder(pageOf(from, to, from > 0))
						if from < oldest {
							oldest = from
						}
					}
				case 1: // live message anywhere on the timeline
					s.IngestLive(msgAt(rng.Intn(1500), "peer"))
				case 2: // local send
					next++
					id := fmt.Sprintf("local-%d", next)
					s.AddPending(Message{ID: id, ClientID: id, SenderID: "me", Content: id, CreatedAt: at(next)})
					pendingIDs = append(pendingIDs, id)
				case 3: // confirm a random pending send at a random server time
					if len(pendingIDs) == 0 {
						continue
					}
					i := rng.Intn(len(pendingIDs))
					id := pendingIDs[i]
					pendingIDs = append(pendingIDs[:i], pendingIDs[i+1:]...)
					s.Confirm(id, Message{ID: "srv-" + id, ClientID: id, SenderID: "me", Content: id, CreatedAt: at(rng.Intn(1500))})
				case 4: // status update, possibly a regression
					statuses := []Status{StatusSent, StatusDelivered, StatusRead}
					s.UpdateStatus(fmt.Sprintf("m%d", rng.Intn(1500)), statuses[rng.Intn(3)])
				case 5: // replayed echo
					s.IngestLive(msgAt(500+rng.Intn(20), "peer"))
				}
				assertInvariant(t, s)
			}
		})
	}
}
