package chatsync_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/hirelane/chatsync"
)

func TestMessagesSend(t *testing.T) {
	t.Run("Returns the confirmed message", func(t *testing.T) {
		ts, rec := envelopeServer(t, http.StatusOK, chatsync.Message{ID: "m1", ClientID: "c1", Content: "hi"})
		client := chatsync.NewClient("tok", chatsync.WithBaseURL(ts.URL))

		msg, err := client.Messages.Send(context.Background(), "r1", &chatsync.SendRequest{ClientID: "c1", Content: "hi"})
		if err != nil {
			t.Fatalf("Send error: %v", err)
		}
		if msg.ID != "m1" || msg.ClientID != "c1" {
			t.Errorf("Message = %+v", msg)
		}
		if last := rec.lastRequest(); last.Method != http.MethodPost || last.URL.Path != "/api/rooms/r1/messages" {
			t.Errorf("request = %s %s", last.Method, last.URL.Path)
		}
	})

	t.Run("Success without data is a bad response", func(t *testing.T) {
		ts, _ := envelopeServer(t, http.StatusOK, nil)
		client := chatsync.NewClient("tok", chatsync.WithBaseURL(ts.URL))

		msg, err := client.Messages.Send(context.Background(), "r1", &chatsync.SendRequest{Content: "hi"})
		if msg != nil {
			t.Errorf("Expected no message, got %+v", msg)
		}
		var apiErr *chatsync.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "BAD_RESPONSE" {
			t.Fatalf("Expected BAD_RESPONSE, got %v", err)
		}
		if chatsync.IsRetryable(err) {
			t.Error("A malformed confirmation must not be retried automatically")
		}
	})
}
