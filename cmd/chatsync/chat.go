package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hirelane/chatsync"
)

var chatPageSize int

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().IntVarP(&chatPageSize, "limit", "n", chatsync.DefaultPageSize, "History page size")
}

const chatHelp = `Commands:
  /older              load the previous page of history
  /file <path> [text] send a file, with optional caption
  /retry <id>         resend a failed message
  /failed             list failed messages
  /help               show this help
  /quit               leave the chat
Anything else is sent as a message.`

var chatCmd = &cobra.Command{
	Use:   "chat <room-id>",
	Short: "Open an interactive chat in a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := signalContext()
		defer cancel()

		sess, err := client.OpenSession(ctx, args[0], &chatsync.SessionOptions{PageSize: chatPageSize})
		if err != nil {
			return err
		}
		defer sess.Close()

		fmt.Printf("Joined %s. Type /help for commands.\n", args[0])
		sess.MarkVisible()

		view := newChatView(os.Stdout, client.UserID())
		view.render(sess.Snapshot())

		lines := make(chan string)
		go readLines(os.Stdin, lines)

		for {
			select {
			case <-ctx.Done():
				return nil
			case _, ok := <-sess.Changes():
				if !ok {
					return nil
				}
				if view.render(sess.Snapshot()) {
					sess.MarkVisible()
				}
			case n, ok := <-sess.Notices():
				if ok {
					view.notice(n)
				}
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := handleChatLine(ctx, sess, view, line); quit {
					return nil
				}
			}
		}
	},
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func handleChatLine(ctx context.Context, sess *chatsync.Session, view *chatView, line string) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(view.out, chatHelp)
	case "/older":
		if err := sess.LoadOlder(ctx); err != nil && !errors.Is(err, chatsync.ErrLoadInProgress) {
			fmt.Fprintf(view.out, "! could not load older messages: %v\n", err)
		} else if !sess.Snapshot().HasMoreOlder {
			fmt.Fprintln(view.out, "-- beginning of conversation --")
		}
	case "/retry":
		if err := sess.Retry(ctx, strings.TrimSpace(rest)); err != nil {
			fmt.Fprintf(view.out, "! retry: %v\n", err)
		}
	case "/failed":
		for _, m := range sess.Snapshot().Messages {
			if m.Status == chatsync.StatusFailed {
				fmt.Fprintf(view.out, "%s  %s\n", m.ID, m.Content)
			}
		}
	case "/file":
		path, caption, _ := strings.Cut(strings.TrimSpace(rest), " ")
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(view.out, "! %v\n", err)
			return false
		}
		file := &chatsync.AttachmentFile{Name: filepath.Base(path), Data: data}
		if err := sess.Send(ctx, caption, file); err != nil {
			fmt.Fprintf(view.out, "! %v\n", err)
		}
	default:
		if err := sess.Send(ctx, line, nil); err != nil {
			fmt.Fprintf(view.out, "! %v\n", err)
		}
	}
	return false
}

// ============================================================================
// View
// ============================================================================

// chatView prints a session incrementally: each message once, then a line
// whenever one of the user's own messages changes status.
type chatView struct {
	out    io.Writer
	self   string
	seen   map[string]chatsync.Status
	state  chatsync.ChannelState
	typing bool
}

func newChatView(out io.Writer, self string) *chatView {
	return &chatView{out: out, self: self, seen: make(map[string]chatsync.Status)}
}

// viewKey follows a provisional message through confirmation.
func viewKey(m *chatsync.Message) string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return m.ID
}

// render prints what changed since the last call and reports whether a new
// message from the other participant appeared.
func (v *chatView) render(snap chatsync.Snapshot) bool {
	var fromPeer bool
	if snap.State != v.state {
		v.state = snap.State
		fmt.Fprintf(v.out, "-- %s --\n", snap.State)
	}
	for i := range snap.Messages {
		m := &snap.Messages[i]
		key := viewKey(m)
		prev, ok := v.seen[key]
		v.seen[key] = m.Status
		switch {
		case !ok:
			fmt.Fprintln(v.out, formatMessage(m, v.self))
			fromPeer = fromPeer || m.SenderID != v.self
		case prev != m.Status && m.SenderID == v.self:
			if m.Status == chatsync.StatusFailed {
				fmt.Fprintf(v.out, "   ! not sent: %q (/retry %s)\n", m.Content, m.ID)
			} else {
				fmt.Fprintf(v.out, "   %q %s\n", m.Content, m.Status)
			}
		}
	}
	if snap.PeerTyping != v.typing {
		v.typing = snap.PeerTyping
		if v.typing {
			fmt.Fprintln(v.out, "   ... typing")
		}
	}
	return fromPeer
}

func (v *chatView) notice(n chatsync.Notice) {
	switch n.Kind {
	case chatsync.NoticeUploadFailed:
		fmt.Fprintf(v.out, "! upload failed, message not sent: %q (%v)\n", n.Text, n.Err)
	case chatsync.NoticeSendFailed:
		fmt.Fprintf(v.out, "! send failed (%v); /retry %s\n", n.Err, n.LocalID)
	case chatsync.NoticeLoadFailed:
		fmt.Fprintf(v.out, "! history load failed: %v\n", n.Err)
	default:
		fmt.Fprintf(v.out, "! %s: %v\n", n.Kind, n.Err)
	}
}
