// Package webhook exposes the reminder pass to an external scheduler.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ykvlv/symptom-reminder/internal/reminder"
)

// Pass is the evaluation pipeline the webhook invokes.
type Pass interface {
	Run(ctx context.Context, ro reminder.RunOptions) (reminder.Summary, error)
}

// Options configures a Handler.
type Options struct {
	Secret          string
	AllowQueryToken bool    // accept ?token= as a fallback to the header
	Rate            float64 // requests per second
	Burst           int
	PassTimeout     time.Duration
}

// Handler authenticates a trigger request and runs one pass.
type Handler struct {
	pass    Pass
	log     *zap.Logger
	opts    Options
	limiter *rate.Limiter
	hook    func(ctx context.Context, s reminder.Summary)
}

// Response is the body of a successful trigger call.
type Response struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Checked   int            `json:"checked"`
	Sent      int            `json:"sent"`
	Skipped   map[string]int `json:"skipped"`
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// New creates a Handler. hook, if set, receives each finished summary.
func New(pass Pass, log *zap.Logger, opts Options, hook func(context.Context, reminder.Summary)) *Handler {
	if opts.Rate <= 0 {
		opts.Rate = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.PassTimeout <= 0 {
		opts.PassTimeout = 2 * time.Minute
	}
	return &Handler{
		pass:    pass,
		log:     log,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		hook:    hook,
	}
}

// Register mounts the trigger at path and a liveness probe at /healthz.
func (h *Handler) Register(mux *http.ServeMux, path string) {
	mux.Handle(path, h)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", h)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Status: "error", Error: "method not allowed"})
		return
	}
	if h.opts.Secret == "" {
		h.log.Error("webhook secret not configured; refusing trigger")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Status: "error", Error: "not configured"})
		return
	}
	if !h.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Status: "error", Error: "rate limited"})
		return
	}
	if !h.authorized(r) {
		h.log.Warn("webhook unauthorized", zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, errorResponse{Status: "error", Error: "unauthorized"})
		return
	}

	force := parseBool(r.FormValue("force"))

	// The pass outlives a disconnecting caller; claims must reach a terminal state.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.opts.PassTimeout)
	defer cancel()

	s, err := h.pass.Run(ctx, reminder.RunOptions{Trigger: reminder.TriggerWebhook, Force: force})
	if err != nil {
		h.log.Error("webhook pass failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Status: "error", Error: "pass failed"})
		return
	}
	if h.hook != nil {
		h.hook(ctx, s)
	}

	skipped := s.Skipped
	if skipped == nil {
		skipped = map[string]int{}
	}
	writeJSON(w, http.StatusOK, Response{
		Status:    s.Status,
		Timestamp: s.Timestamp.UTC().Format(time.RFC3339),
		Checked:   s.Checked,
		Sent:      s.Sent,
		Skipped:   skipped,
	})
}

// authorized checks the bearer header, then the legacy query token if enabled.
func (h *Handler) authorized(r *http.Request) bool {
	if tok, ok := bearer(r.Header.Get("Authorization")); ok {
		return equal(tok, h.opts.Secret)
	}
	if q := r.URL.Query().Get("token"); q != "" {
		if !h.opts.AllowQueryToken {
			h.log.Warn("query token rejected; use the Authorization header")
			return false
		}
		h.log.Warn("webhook authenticated with query token, a weaker fallback")
		return equal(q, h.opts.Secret)
	}
	return false
}

func bearer(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
