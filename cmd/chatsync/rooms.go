package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hirelane/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// rooms list / show
	roomsJSON bool

	// history
	historyBefore string
	historyAfter  string
	historyLimit  int
	historyJSON   bool

	// send
	sendFile string
	sendMime string
	sendJSON bool
)

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.AddCommand(roomsListCmd)
	roomsCmd.AddCommand(roomsShowCmd)
	roomsCmd.PersistentFlags().BoolVar(&roomsJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyBefore, "before", "", "Fetch messages older than this cursor")
	historyCmd.Flags().StringVar(&historyAfter, "after", "", "Fetch messages newer than this cursor")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", chatsync.DefaultPageSize, "Page size (max 100)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	historyCmd.MarkFlagsMutuallyExclusive("before", "after")

	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Attach a file")
	sendCmd.Flags().StringVar(&sendMime, "mime", "", "MIME type of the attachment (guessed from the name if empty)")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Inspect your conversations",
}

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations you take part in",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		rooms, err := client.Rooms.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if roomsJSON {
			return printJSON(rooms)
		}
		if len(rooms) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for i := range rooms {
			peer := rooms[i].Peer(client.UserID())
			fmt.Printf("%-12s %-24s %s\n", rooms[i].ID, peer.Name, peer.Presence)
		}
		return nil
	},
}

var roomsShowCmd = &cobra.Command{
	Use:   "show <room-id>",
	Short: "Show one conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		room, err := client.Rooms.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if roomsJSON {
			return printJSON(room)
		}
		fmt.Printf("Room:      %s\n", room.ID)
		fmt.Printf("Candidate: %s (%s, %s)\n", room.Candidate.Name, room.Candidate.ID, room.Candidate.Presence)
		fmt.Printf("Recruiter: %s (%s, %s)\n", room.Recruiter.Name, room.Recruiter.ID, room.Recruiter.Presence)
		if !room.CreatedAt.IsZero() {
			fmt.Printf("Created:   %s\n", room.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print one page of conversation history",
	Long:  "Print one page of history. Without a cursor the most recent page is shown.\nThe printed cursors can be passed to --before or --after to page further.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		q := &chatsync.PageQuery{Limit: historyLimit, Direction: chatsync.Before, Cursor: historyBefore}
		if historyAfter != "" {
			q.Direction = chatsync.After
			q.Cursor = historyAfter
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		page, err := client.Messages.FetchPage(ctx, args[0], q)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if historyJSON {
			return printJSON(page)
		}
		if len(page.Content) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for i := range page.Content {
			fmt.Println(formatMessage(&page.Content[i], client.UserID()))
		}
		fmt.Println()
		fmt.Printf("Older: --before %s\n", page.NextCursor)
		fmt.Printf("Newer: --after %s\n", page.PrevCursor)
		if page.HasMore {
			fmt.Println("More messages available.")
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room-id> [text]",
	Short: "Send a message, optionally with an attachment",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		roomID := args[0]
		var text string
		if len(args) == 2 {
			text = args[1]
		}

		var file *chatsync.AttachmentFile
		if sendFile != "" {
			data, err := os.ReadFile(sendFile)
			if err != nil {
				return fmt.Errorf("cannot read file: %w", err)
			}
			file = &chatsync.AttachmentFile{Name: filepath.Base(sendFile), MimeType: sendMime, Data: data}
		}
		if err := chatsync.Validate(text, file); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		req := &chatsync.SendRequest{ClientID: uuid.NewString(), Content: strings.TrimSpace(text)}
		if file != nil {
			up, err := client.Files.Upload(ctx, file)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			req.Attachments = []chatsync.Attachment{{URL: up.URL, Type: chatsync.Classify(up.MimeType), FileName: up.FileName}}
		}

		msg, err := client.Messages.Send(ctx, roomID, req)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent (id: %s)\n", msg.ID)
		return nil
	},
}
