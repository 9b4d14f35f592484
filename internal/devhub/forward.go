package devhub

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	unimart "github.com/unimart/sdk/golang"
)

// Forwarder posts requests-channel events to a webhook, signed the way
// unimart.Webhook verifies them. A nil Forwarder forwards nothing.
type Forwarder struct {
	url    string
	secret string
	client *http.Client
	log    *slog.Logger
}

// NewForwarder returns nil when url is empty.
func NewForwarder(url, secret string, log *slog.Logger) *Forwarder {
	if url == "" {
		return nil
	}
	return &Forwarder{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log,
	}
}

// Forward posts every requests-channel event in ds, once per event, in the
// background.
func (f *Forwarder) Forward(ds []Delivery) {
	if f == nil {
		return
	}
	var frames [][]byte
	for _, d := range ds {
		if d.Channel != unimart.ChannelRequests {
			continue
		}
		frame, err := unimart.EncodeEvent(d.Event)
		if err != nil {
			continue
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		return
	}
	go func() {
		for _, frame := range frames {
			if err := f.post(context.Background(), frame); err != nil {
				f.log.Warn("webhook delivery failed", "url", f.url, "error", err)
			}
		}
	}()
}

func (f *Forwarder) post(ctx context.Context, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(unimart.SignatureHeader, unimart.SignWebhookBody(frame, f.secret))

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook answered %d", resp.StatusCode)
	}
	return nil
}
