package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	casaflow "github.com/casaflow/casaflow-go"
)

var (
	chatPageSize int
	chatUser     string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Tenant-landlord chat",
	Long:  "Browse conversations, read history, send messages, and watch a conversation live.",
}

var chatConversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		store := casaflow.NewChatStore(client.Chat())

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		convs, err := store.Conversations(ctx)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}
		for _, c := range convs {
			line := fmt.Sprintf("%s  %s <> %s", c.ID, c.Participants[0], c.Participants[1])
			if c.UnreadCount > 0 {
				line += fmt.Sprintf("  (%d unread)", c.UnreadCount)
			}
			if c.LastMessage != nil {
				line += "  " + truncate(c.LastMessage.Content, 60)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		store := casaflow.NewChatStore(client.Chat())

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		msgs, err := store.Messages(ctx, args[0], chatPageSize)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m, cfg.Auth.UserID)
		}
		if store.HasOlder(args[0]) {
			fmt.Println("(older messages available; increase --limit)")
		}
		return nil
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <receiver-id> <message>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _, err := getSession()
		if err != nil {
			return err
		}
		defer session.Logout()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		content := strings.Join(args[2:], " ")
		msg, err := session.SendMessage(ctx, args[0], args[1], content)
		if err != nil {
			return err
		}
		if msg == nil {
			return fmt.Errorf("send rejected: %s", session.LastError())
		}
		fmt.Printf("Sent %s at %s\n", msg.ID, msg.CreatedAt.Local().Format(time.Kitchen))
		return nil
	},
}

var chatWatchCmd = &cobra.Command{
	Use:   "watch <conversation-id> <receiver-id>",
	Short: "Watch a conversation live and send messages from stdin",
	Long: `Connects to the live channel and prints incoming messages, typing
indicators, and presence changes as they arrive. Lines typed on stdin are sent
to the conversation. Press Ctrl+C or type /quit to leave.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, receiverID := args[0], args[1]

		session, cfg, err := getSession()
		if err != nil {
			return err
		}
		defer session.Logout()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		router := session.Router()
		router.OnNewMessage(func(m casaflow.Message) {
			if m.ConversationID != conversationID || m.Sender == cfg.Auth.UserID {
				return
			}
			printMessage(m, cfg.Auth.UserID)
		})
		router.OnTyping(func(ev casaflow.TypingEvent) {
			if ev.ConversationID != conversationID || ev.Sender == cfg.Auth.UserID {
				return
			}
			if ev.IsTyping {
				fmt.Printf("… %s is typing\n", ev.Sender)
			}
		})
		router.OnStatusUpdate(func(up casaflow.StatusUpdate) {
			if up.UserID == cfg.Auth.UserID {
				return
			}
			state := "offline"
			if up.Online() {
				state = "online"
			}
			fmt.Printf("• %s is %s\n", up.UserID, state)
		})
		router.OnDisconnect(func(info casaflow.DisconnectInfo) {
			fmt.Printf("! channel disconnected: %s\n", info.Reason)
		})
		router.OnConnect(func(casaflow.ConnectInfo) {
			fmt.Println("• channel connected")
		})

		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if session.State() != casaflow.StateConnected {
			return fmt.Errorf("connect failed: %s", session.LastError())
		}

		// Recent history first, then the live tail.
		histCtx, histCancel := context.WithTimeout(ctx, 30*time.Second)
		msgs, err := session.Store().Messages(histCtx, conversationID, chatPageSize)
		histCancel()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(m, cfg.Auth.UserID)
		}
		if err := session.MarkAsRead(ctx, conversationID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: mark as read failed: %v\n", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-sigCh:
				fmt.Println("\nLeaving.")
				return nil
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok || strings.TrimSpace(line) == "/quit" {
					return nil
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if _, err := session.SendMessage(ctx, conversationID, receiverID, line); err != nil {
					fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				}
			}
		}
	},
}

var chatUnreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the total unread message count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		store := casaflow.NewChatStore(client.Chat())

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		count, err := store.UnreadCount(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d unread message(s)\n", count)
		return nil
	},
}

var chatOpenCmd = &cobra.Command{
	Use:   "open <other-user-id>",
	Short: "Open (or create) a conversation with another user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		store := casaflow.NewChatStore(client.Chat())

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		conv, err := store.GetOrCreateConversation(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Conversation %s  (%s <> %s)\n", conv.ID, conv.Participants[0], conv.Participants[1])
		return nil
	},
}

func init() {
	chatHistoryCmd.Flags().IntVar(&chatPageSize, "limit", 20, "messages per page")
	chatWatchCmd.Flags().IntVar(&chatPageSize, "limit", 20, "history messages to show on entry")
	chatCmd.PersistentFlags().StringVar(&chatUser, "user", "", "override the configured user ID")

	chatCmd.AddCommand(chatConversationsCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatWatchCmd)
	chatCmd.AddCommand(chatUnreadCmd)
	chatCmd.AddCommand(chatOpenCmd)
}
