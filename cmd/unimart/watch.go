package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	unimart "github.com/unimart/sdk/golang"
)

var watchJSON bool

func init() {
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print each event as a JSON line")
	rootCmd.AddCommand(watchCmd)
}

// watchedKinds are printed by watch, per channel.
var watchedKinds = map[unimart.Channel][]unimart.EventKind{
	unimart.ChannelRequests: {
		unimart.KindUserRequests,
		unimart.KindNewRequest,
		unimart.KindRequestStatusUpdate,
		unimart.KindOfferStatusUpdate,
		unimart.KindNewOffer,
		unimart.KindError,
		unimart.KindUnknown,
	},
	unimart.ChannelMessaging: {
		unimart.KindConversations,
		unimart.KindConversationMessages,
		unimart.KindNewMessage,
		unimart.KindMessagesRead,
		unimart.KindConversationStarted,
		unimart.KindOnlineMerchants,
		unimart.KindPresenceUpdate,
		unimart.KindError,
		unimart.KindUnknown,
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow realtime events on both channels",
	Long:  "Open a session and print every event pushed on the requests and messaging channels until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		startCtx, cancel := context.WithTimeout(ctx, actionTimeout)
		sess, closeSession, err := openSession(startCtx)
		cancel()
		if err != nil {
			return err
		}
		defer closeSession()

		var mu sync.Mutex
		printer := func(ch unimart.Channel) unimart.Handler {
			return func(ev unimart.Event) {
				mu.Lock()
				defer mu.Unlock()
				if watchJSON {
					data, err := unimart.EncodeEvent(ev)
					if err != nil {
						fmt.Fprintf(os.Stderr, "cannot encode %s: %v\n", ev.Kind(), err)
						return
					}
					fmt.Println(string(data))
					return
				}
				fmt.Printf("%s  %-9s  %s\n", time.Now().Format("15:04:05"), ch, describeEvent(ev))
			}
		}

		transports := map[unimart.Channel]unimart.Transport{
			unimart.ChannelRequests:  sess.Requests(),
			unimart.ChannelMessaging: sess.Messaging(),
		}
		for ch, kinds := range watchedKinds {
			for _, k := range kinds {
				defer transports[ch].Router().Subscribe(k, printer(ch))()
			}
		}

		id := sess.Identity()
		fmt.Fprintf(os.Stderr, "Watching as %s (%s). Ctrl-C to stop.\n", valueOrDefault(id.Name, id.UserID), id.Role)
		<-ctx.Done()
		return nil
	},
}

// describeEvent renders one event as a single human-readable line.
func describeEvent(ev unimart.Event) string {
	switch e := ev.(type) {
	case unimart.UserRequestsEvent:
		return fmt.Sprintf("request list: %d requests", len(e.Requests))
	case unimart.NewRequestEvent:
		return fmt.Sprintf("new request %s %q", e.Request.ID, e.Request.Title)
	case unimart.RequestStatusUpdateEvent:
		return fmt.Sprintf("request %s is now %s", e.RequestID, e.Status)
	case unimart.OfferStatusUpdateEvent:
		return fmt.Sprintf("offer %s on request %s is now %s", e.OfferID, e.RequestID, e.Status)
	case unimart.NewOfferEvent:
		return fmt.Sprintf("new offer %s on request %s: %.2f", e.Offer.ID, e.Offer.RequestID, e.Offer.Price)
	case unimart.ConversationsEvent:
		return fmt.Sprintf("conversation list: %d conversations", len(e.Conversations))
	case unimart.ConversationMessagesEvent:
		return fmt.Sprintf("history of %s: %d messages", e.ConversationID, len(e.Messages))
	case unimart.NewMessageEvent:
		return fmt.Sprintf("message in %s from %s: %s", e.Message.ConversationID, e.Message.SenderID, e.Message.Content)
	case unimart.MessagesReadEvent:
		return fmt.Sprintf("%s read conversation %s", e.ReaderID, e.ConversationID)
	case unimart.ConversationStartedEvent:
		return fmt.Sprintf("conversation %s started", e.Conversation.ID)
	case unimart.OnlineMerchantsEvent:
		return fmt.Sprintf("online merchants: %v", e.MerchantIDs)
	case unimart.PresenceUpdateEvent:
		state := "offline"
		if e.Online {
			state = "online"
		}
		return fmt.Sprintf("merchant %s is %s", e.UserID, state)
	case unimart.ErrorEvent:
		return "error: " + e.Err().Error()
	case unimart.UnknownEvent:
		return fmt.Sprintf("unknown frame type %q", e.Type)
	}
	return string(ev.Kind())
}
