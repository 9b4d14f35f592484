package unimart

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/unimart/sdk/golang/internal/logger"
)

// SignatureHeader carries the HMAC of a webhook body.
const SignatureHeader = "X-Unimart-Signature"

const maxWebhookBody = 1 << 20

// SignWebhookBody returns the "sha256=<hex>" signature of body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// The "sha256=" prefix is optional. Uses constant-time comparison.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(SignWebhookBody([]byte(body), secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook receives frames pushed over HTTP instead of a socket and dispatches
// them through a Router, so the same handlers (or a bound Store) serve both
// transports.
type Webhook struct {
	secret string
	router *Router
	log    *slog.Logger
}

// NewWebhook creates a webhook receiver dispatching into router.
func NewWebhook(secret string, router *Router, log *slog.Logger) (*Webhook, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if router == nil {
		return nil, errors.New("webhook router is required")
	}
	return &Webhook{secret: secret, router: router, log: logger.Or(log)}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *Webhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle verifies, decodes and dispatches one frame. It returns the status
// code and response body for the caller to write.
func (w *Webhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := DecodeEvent([]byte(body))
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	n := w.router.Dispatch(ev)
	w.log.Debug("webhook frame dispatched", "kind", ev.Kind().String(), "handlers", n)
	return http.StatusOK, map[string]any{"ok": true, "handlers": n}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := unimart.NewWebhook("secret", router, nil)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		defer r.Body.Close()
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
