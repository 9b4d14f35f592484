package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	unimart "github.com/unimart/sdk/golang"
)

var chatJSON bool

func init() {
	chatCmd.PersistentFlags().BoolVar(&chatJSON, "json", false, "Output raw JSON")
	chatCmd.AddCommand(chatListCmd, chatHistoryCmd, chatSendCmd, chatStartCmd, chatOnlineCmd)
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Conversation commands",
	Long:  "List conversations, read their history, send messages and start new conversations.",
}

// ============================================================================
// chat list
// ============================================================================

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		sess, closeSession, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		convs := sess.Store().Conversations()
		if chatJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWITH\tUNREAD\tLAST MESSAGE")
		for _, c := range convs {
			with, last := "?", ""
			if c.OtherUser != nil {
				with = valueOrDefault(c.OtherUser.Name, c.OtherUser.ID)
				if c.OtherUser.Online {
					with += " *"
				}
			}
			if c.LastMessage != nil {
				last = truncate(c.LastMessage.Content, 48)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.ID, with, c.UnreadCount, last)
		}
		return w.Flush()
	},
}

// ============================================================================
// chat history / send
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's messages and mark them read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		sess, closeSession, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		if err := loadConversation(ctx, sess, args[0]); err != nil {
			return explain(err)
		}
		msgs := sess.Store().CurrentMessages()
		if chatJSON {
			return printJSON(msgs)
		}
		printMessages(sess.Identity().UserID, msgs)
		return nil
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message and wait for the server to echo it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		sess, closeSession, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		if err := loadConversation(ctx, sess, args[0]); err != nil {
			return explain(err)
		}
		store := sess.Store()
		prev := store.LastError()
		sent, err := sess.SendMessage(ctx, strings.Join(args[1:], " "))
		if err != nil {
			return explain(err)
		}

		err = awaitStore(ctx, store, func(p unimart.Projection) (bool, error) {
			if p.LastError != nil && p.LastError != prev {
				return true, p.LastError
			}
			for _, m := range p.CurrentMessages {
				if m.ClientID == sent.ClientID && !m.Pending {
					return true, nil
				}
			}
			return false, nil
		})
		if err != nil {
			return explain(err)
		}
		var echoed unimart.Message
		for _, m := range store.CurrentMessages() {
			if m.ClientID == sent.ClientID {
				echoed = m
			}
		}
		if chatJSON {
			return printJSON(echoed)
		}
		fmt.Printf("Message %s sent.\n", echoed.ID)
		return nil
	},
}

// loadConversation opens conversationID and waits for its history.
func loadConversation(ctx context.Context, sess *unimart.Session, conversationID string) error {
	loaded := make(chan struct{}, 1)
	failed := make(chan error, 1)
	router := sess.Messaging().Router()
	defer router.Subscribe(unimart.KindConversationMessages, func(ev unimart.Event) {
		if e, ok := ev.(unimart.ConversationMessagesEvent); ok && e.ConversationID == conversationID {
			select {
			case loaded <- struct{}{}:
			default:
			}
		}
	})()
	defer router.Subscribe(unimart.KindError, func(ev unimart.Event) {
		if e, ok := ev.(unimart.ErrorEvent); ok {
			select {
			case failed <- e.Err():
			default:
			}
		}
	})()

	if err := sess.OpenConversation(ctx, conversationID); err != nil {
		return err
	}
	select {
	case <-loaded:
		return nil
	case err := <-failed:
		return err
	case <-ctx.Done():
		return fmt.Errorf("no history from the server: %w", ctx.Err())
	}
}

func printMessages(self string, msgs []unimart.Message) {
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range msgs {
		who := m.SenderID
		if m.IsSentBy(self) {
			who = "you"
			if m.IsRead {
				who += " (read)"
			}
		}
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.DateTime), who, m.Content)
	}
}

// ============================================================================
// chat start
// ============================================================================

var chatStartCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Open the conversation with a user, creating it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		sess, closeSession, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		store := sess.Store()
		prev := store.LastError()
		if err := sess.StartConversation(ctx, args[0]); err != nil {
			return explain(err)
		}

		err = awaitStore(ctx, store, func(p unimart.Projection) (bool, error) {
			if p.LastError != nil && p.LastError != prev {
				return true, p.LastError
			}
			if c := p.CurrentConversation; c != nil && !c.Pending && c.ID != "" {
				return true, nil
			}
			return false, nil
		})
		if err != nil {
			return explain(err)
		}
		conv, _ := store.CurrentConversation()
		if chatJSON {
			return printJSON(conv)
		}
		fmt.Printf("Conversation %s is open.\n", conv.ID)
		return nil
	},
}

// ============================================================================
// chat online
// ============================================================================

var chatOnlineCmd = &cobra.Command{
	Use:   "online",
	Short: "List merchants currently online",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		sess, closeSession, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		got := make(chan struct{}, 1)
		unsub := sess.Messaging().Router().Subscribe(unimart.KindOnlineMerchants, func(unimart.Event) {
			select {
			case got <- struct{}{}:
			default:
			}
		})
		defer unsub()
		if err := sess.Messaging().Send(ctx, unimart.CmdGetOnlineMerchants, nil); err != nil {
			return err
		}
		select {
		case <-got:
		case <-ctx.Done():
			return fmt.Errorf("no answer from the server: %w", ctx.Err())
		}

		ids := sess.Store().OnlineMerchants()
		if chatJSON {
			return printJSON(ids)
		}
		if len(ids) == 0 {
			fmt.Println("No merchants online.")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
