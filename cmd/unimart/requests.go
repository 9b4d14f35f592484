package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	unimart "github.com/unimart/sdk/golang"
)

var (
	requestsJSON bool

	// requests create
	createDescription string
	createCategory    string

	// offers make
	offerMessage string
)

func init() {
	requestsCmd.PersistentFlags().BoolVar(&requestsJSON, "json", false, "Output raw JSON")
	requestsCreateCmd.Flags().StringVar(&createDescription, "description", "", "Request description")
	requestsCreateCmd.Flags().StringVar(&createCategory, "category", "", "Category id")
	offersMakeCmd.Flags().StringVar(&offerMessage, "message", "", "Message shown to the student")

	offersCmd.AddCommand(offersListCmd, offersAcceptCmd, offersDeclineCmd, offersMakeCmd)
	requestsCmd.AddCommand(requestsListCmd, requestsCreateCmd, requestsCancelCmd, requestsCompleteCmd, offersCmd)
	rootCmd.AddCommand(requestsCmd)
}

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Request and offer commands",
	Long:  "List requests, change their status, and manage the offers made on them.",
}

// ============================================================================
// requests list
// ============================================================================

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your requests (students) or the open requests (merchants)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		sess, closeSession, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		reqs := sess.Store().Requests()
		if sess.Identity().Role == unimart.RoleMerchant {
			reqs = sess.Store().OfferableRequests()
		}
		if requestsJSON {
			return printJSON(reqs)
		}
		if len(reqs) == 0 {
			fmt.Println("No requests.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tOFFERS\tCREATED\tTITLE")
		for _, r := range reqs {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
				r.ID, r.Status, r.PendingOffers, r.TotalOffers, r.CreatedAt.Local().Format(time.DateTime), r.Title)
		}
		return w.Flush()
	},
}

// ============================================================================
// requests create
// ============================================================================

var requestsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Post a new request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		req, err := newClient(mustConfig()).CreateRequest(ctx, unimart.NewRequestInput{
			Title:       args[0],
			Description: createDescription,
			Category:    createCategory,
		})
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if requestsJSON {
			return printJSON(req)
		}
		fmt.Printf("Request %s created.\n", req.ID)
		return nil
	},
}

// ============================================================================
// requests cancel / complete
// ============================================================================

var requestsCancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return moveRequest(args[0], unimart.RequestCancelled)
	},
}

var requestsCompleteCmd = &cobra.Command{
	Use:   "complete <request-id>",
	Short: "Mark an ongoing request completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return moveRequest(args[0], unimart.RequestCompleted)
	},
}

// moveRequest sends a status change and waits for the server to confirm it.
func moveRequest(requestID string, status unimart.RequestStatus) error {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	sess, closeSession, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer closeSession()

	store := sess.Store()
	prev := store.LastError()
	if err := sess.UpdateRequestStatus(ctx, requestID, status); err != nil {
		return explain(err)
	}
	err = awaitRequestSince(ctx, store, prev, requestID, func(r unimart.Request) bool {
		return r.Status == status
	})
	if err != nil {
		return explain(err)
	}
	fmt.Printf("Request %s is now %s.\n", requestID, status)
	return nil
}

// ============================================================================
// requests offers
// ============================================================================

var offersCmd = &cobra.Command{
	Use:   "offers",
	Short: "Offer commands",
}

var offersListCmd = &cobra.Command{
	Use:   "list <request-id>",
	Short: "List the offers on a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		offers, err := newClient(mustConfig()).Offers(ctx, args[0])
		if err != nil {
			return fmt.Errorf("list offers: %w", err)
		}
		if requestsJSON {
			return printJSON(offers)
		}
		if len(offers) == 0 {
			fmt.Println("No offers.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMERCHANT\tPRICE\tSTATUS\tMESSAGE")
		for _, o := range offers {
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\n", o.ID, o.MerchantID, o.Price, o.Status, o.Message)
		}
		return w.Flush()
	},
}

var offersAcceptCmd = &cobra.Command{
	Use:   "accept <request-id> <offer-id>",
	Short: "Accept an offer; the request becomes ONGOING",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return answerOffer(args[0], args[1], unimart.OfferAccepted)
	},
}

var offersDeclineCmd = &cobra.Command{
	Use:   "decline <request-id> <offer-id>",
	Short: "Decline an offer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return answerOffer(args[0], args[1], unimart.OfferDeclined)
	},
}

func answerOffer(requestID, offerID string, status unimart.OfferStatus) error {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	sess, closeSession, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer closeSession()

	store := sess.Store()
	prev := store.LastError()
	if status == unimart.OfferAccepted {
		err = sess.AcceptOffer(ctx, requestID, offerID)
	} else {
		err = sess.DeclineOffer(ctx, requestID, offerID)
	}
	if err != nil {
		return explain(err)
	}

	// Only the status update is awaited; offers need not be in the local view.
	err = awaitRequestSince(ctx, store, prev, requestID, func(r unimart.Request) bool {
		if r.PendingAction != "" {
			return false
		}
		if status == unimart.OfferAccepted {
			return r.AcceptedOffer != nil && r.AcceptedOffer.ID == offerID
		}
		return true
	})
	if err != nil {
		return explain(err)
	}
	fmt.Printf("Offer %s %s.\n", offerID, map[unimart.OfferStatus]string{
		unimart.OfferAccepted: "accepted",
		unimart.OfferDeclined: "declined",
	}[status])
	return nil
}

var offersMakeCmd = &cobra.Command{
	Use:   "make <request-id> <price>",
	Short: "Make an offer on a pending request (merchants)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := strconv.ParseFloat(args[1], 64)
		if err != nil || price <= 0 {
			return fmt.Errorf("price must be a positive number")
		}

		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		offer, err := newClient(mustConfig()).CreateOffer(ctx, args[0], price, offerMessage)
		if err != nil {
			return fmt.Errorf("make offer: %w", err)
		}
		if requestsJSON {
			return printJSON(offer)
		}
		fmt.Printf("Offer %s made on request %s.\n", offer.ID, offer.RequestID)
		return nil
	},
}
