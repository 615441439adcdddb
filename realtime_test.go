package chatsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hirelane/chatsync"
)

// mustEvent reads events until one satisfies match or the deadline passes.
func mustEvent(t *testing.T, events <-chan chatsync.ChannelEvent, what string, match func(chatsync.ChannelEvent) bool) chatsync.ChannelEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("Event stream closed while waiting for %s", what)
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", what)
		}
	}
}

func isState(s chatsync.ChannelState) func(chatsync.ChannelEvent) bool {
	return func(ev chatsync.ChannelEvent) bool { return ev.Kind == chatsync.EventState && ev.State == s }
}

func TestChannelLifecycle(t *testing.T) {
	h := newHarness(t, 0)
	ch := h.client("cand").Realtime.Channel("r1", fastRealtime())
	events := ch.Events()

	if err := ch.SendTyping(context.Background(), true); !errors.Is(err, chatsync.ErrNotConnected) {
		t.Fatalf("SendTyping before Open = %v, want ErrNotConnected", err)
	}

	ch.Open(context.Background())
	ch.Open(context.Background())
	mustEvent(t, events, "connecting", isState(chatsync.StateConnecting))
	mustEvent(t, events, "connected", isState(chatsync.StateConnected))
	if !ch.IsConnected() {
		t.Error("IsConnected = false after connected event")
	}

	t.Run("Receives message.created", func(t *testing.T) {
		rec := h.client("rec")
		sent, err := rec.Messages.Send(context.Background(), "r1", &chatsync.SendRequest{Content: "ping"})
		if err != nil {
			t.Fatalf("Send error: %v", err)
		}
		ev := mustEvent(t, events, "message.created", func(ev chatsync.ChannelEvent) bool {
			return ev.Kind == chatsync.EventMessageCreated
		})
		if ev.Message.ID != sent.ID || ev.Message.Content != "ping" {
			t.Errorf("Message = %+v", ev.Message)
		}
	})

	t.Run("Reconnects after drop", func(t *testing.T) {
		h.srv.DropConnections()
		mustEvent(t, events, "reconnecting", isState(chatsync.StateReconnecting))
		mustEvent(t, events, "connected again", isState(chatsync.StateConnected))
	})

	t.Run("Close is terminal", func(t *testing.T) {
		ch.Close()
		ch.Close()
		for range events {
		}
		if st := ch.State(); st != chatsync.StateDisconnected {
			t.Errorf("State after Close = %s", st)
		}
		ch.Open(context.Background())
		if st := ch.State(); st != chatsync.StateDisconnected {
			t.Errorf("Open after Close changed state to %s", st)
		}
	})
}

func TestChannelStatusEvents(t *testing.T) {
	h := newHarness(t, 0)
	ch := h.client("cand").Realtime.Channel("r1", fastRealtime())
	defer ch.Close()
	ch.Open(context.Background())
	events := ch.Events()
	mustEvent(t, events, "connected", isState(chatsync.StateConnected))

	mine, err := h.client("cand").Messages.Send(context.Background(), "r1", &chatsync.SendRequest{Content: "are you there?"})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if err := h.client("rec").Rooms.MarkAsRead(context.Background(), "r1"); err != nil {
		t.Fatalf("MarkAsRead error: %v", err)
	}
	ev := mustEvent(t, events, "read status", func(ev chatsync.ChannelEvent) bool {
		return ev.Kind == chatsync.EventMessageStatus && ev.MessageID == mine.ID
	})
	if ev.Status != chatsync.StatusRead {
		t.Errorf("Status = %s, want read", ev.Status)
	}
}

func TestChannelGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, 0)
	cfg := fastRealtime()
	cfg.MaxReconnectAttempts = 2
	ch := h.client("stranger").Realtime.Channel("r1", cfg)
	defer ch.Close()
	ch.Open(context.Background())

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch.Events():
			if !ok {
				if st := ch.State(); st != chatsync.StateDisconnected {
					t.Errorf("State = %s, want disconnected", st)
				}
				return
			}
		case <-deadline:
			t.Fatal("Channel kept retrying past its limit")
		}
	}
}

func TestRealtimeURL(t *testing.T) {
	c := chatsync.NewClient("tok en", chatsync.WithBaseURL("https://chat.example.com/"))
	got := c.Realtime.URL("room/1")
	want := "wss://chat.example.com/ws?room=room%2F1&token=tok+en"
	if got != want {
		t.Errorf("URL = %s, want %s", got, want)
	}
}
