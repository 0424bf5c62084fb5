package push

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/ykvlv/symptom-reminder/internal/domain"
)

// WebPushOptions holds VAPID credentials and transport settings.
type WebPushOptions struct {
	PublicKey  string
	PrivateKey string
	Subject    string // mailto: address or https URL
	TTL        int    // seconds the push service may hold the message
	Client     *http.Client
}

// WebPush delivers payloads with the Web Push protocol using VAPID.
type WebPush struct {
	opts WebPushOptions
}

// NewWebPush validates credentials. Missing keys yield ErrNotConfigured.
func NewWebPush(opts WebPushOptions) (*WebPush, error) {
	if opts.PublicKey == "" || opts.PrivateKey == "" {
		return nil, ErrNotConfigured
	}
	if opts.TTL <= 0 {
		opts.TTL = 12 * 60 * 60
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	// The library prefixes mailto: itself for non-URL subscribers.
	opts.Subject = strings.TrimPrefix(opts.Subject, "mailto:")
	return &WebPush{opts: opts}, nil
}

// Push sends one encrypted payload to ep and classifies the response.
func (w *WebPush) Push(ctx context.Context, ep domain.Endpoint, payload []byte) (Outcome, error) {
	sub := &webpush.Subscription{
		Endpoint: ep.URL,
		Keys:     webpush.Keys{P256dh: ep.P256dh, Auth: ep.Auth},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		HTTPClient:      w.opts.Client,
		Subscriber:      w.opts.Subject,
		VAPIDPublicKey:  w.opts.PublicKey,
		VAPIDPrivateKey: w.opts.PrivateKey,
		TTL:             w.opts.TTL,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return Failed, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	out := Classify(resp.StatusCode)
	if out != Delivered {
		return out, fmt.Errorf("push service responded %d", resp.StatusCode)
	}
	return out, nil
}

// Classify maps a push service status code to an outcome. 404 and 410 mean
// the subscription no longer exists.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Delivered
	case status == http.StatusNotFound || status == http.StatusGone:
		return Gone
	default:
		return Failed
	}
}
