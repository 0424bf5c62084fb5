package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ykvlv/symptom-reminder/internal/domain"
)

// ErrNotConfigured is returned when no delivery credentials are available.
var ErrNotConfigured = errors.New("push delivery not configured")

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	Failed            // transient; endpoint stays active
	Gone              // permanent; endpoint is deactivated
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	case Gone:
		return "gone"
	default:
		return "unknown"
	}
}

// Pusher performs one opaque delivery call to one endpoint.
type Pusher interface {
	Push(ctx context.Context, ep domain.Endpoint, payload []byte) (Outcome, error)
}

// EndpointStore is the slice of storage the dispatcher needs.
type EndpointStore interface {
	ActiveEndpoints(ctx context.Context, userID int64) ([]domain.Endpoint, error)
	DeactivateEndpoint(ctx context.Context, id int64, now time.Time) error
}

// Message is the user-facing content of a notification.
type Message struct {
	Title string
	Body  string
	URL   string
	Tag   string // collapses duplicates on the device, e.g. reminder-2025-05-05
}

// Payload is the JSON document delivered to each endpoint.
type Payload struct {
	Title string      `json:"title"`
	Body  string      `json:"body"`
	Icon  string      `json:"icon"`
	Badge string      `json:"badge"`
	Tag   string      `json:"tag"`
	Data  PayloadData `json:"data"`
}

type PayloadData struct {
	URL string `json:"url"`
}

// Result aggregates per-endpoint outcomes for one user.
type Result struct {
	Attempted int
	Delivered int
	Failed    int
	Gone      int
}

// Success reports the user-level outcome: at least one endpoint notified.
func (r Result) Success() bool { return r.Delivered > 0 }

// Options tunes the dispatcher.
type Options struct {
	Timeout time.Duration // per delivery call
	Rate    float64       // delivery calls per second across all users
	Burst   int
	Icon    string
	Badge   string
	RefSalt string
}

// Dispatcher fans a message out to every active endpoint of a user.
type Dispatcher struct {
	store   EndpointStore
	pusher  Pusher
	log     *zap.Logger
	limiter *rate.Limiter
	opts    Options
	now     func() time.Time
}

// NewDispatcher creates a dispatcher. A nil pusher yields a dispatcher that
// reports ErrNotConfigured, so callers can skip delivery for the run.
func NewDispatcher(store EndpointStore, pusher Pusher, log *zap.Logger, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Rate <= 0 {
		opts.Rate = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.Rate)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	return &Dispatcher{
		store:   store,
		pusher:  pusher,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		opts:    opts,
		now:     time.Now,
	}
}

// Configured reports whether delivery can be attempted at all.
func (d *Dispatcher) Configured() bool {
	return d.pusher != nil
}

// Dispatch delivers msg to each active endpoint of userID independently.
// Endpoint failures are folded into the Result; only a failure to list
// endpoints or missing configuration is returned as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, userID int64, msg Message) (Result, error) {
	if d.pusher == nil {
		return Result{}, ErrNotConfigured
	}
	eps, err := d.store.ActiveEndpoints(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("list endpoints: %w", err)
	}
	if len(eps) == 0 {
		return Result{}, nil
	}

	payload, err := json.Marshal(Payload{
		Title: msg.Title,
		Body:  msg.Body,
		Icon:  d.opts.Icon,
		Badge: d.opts.Badge,
		Tag:   msg.Tag,
		Data:  PayloadData{URL: msg.URL},
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode payload: %w", err)
	}

	log := d.log.With(zap.String("user", domain.UserRef(d.opts.RefSalt, userID)))

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		res = Result{Attempted: len(eps)}
	)
	for _, ep := range eps {
		wg.Add(1)
		go func(ep domain.Endpoint) {
			defer wg.Done()
			out := d.deliver(ctx, log, ep, payload)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case Delivered:
				res.Delivered++
			case Gone:
				res.Gone++
			default:
				res.Failed++
			}
		}(ep)
	}
	wg.Wait()
	return res, nil
}

// deliver performs one bounded attempt; it is never retried within a pass.
func (d *Dispatcher) deliver(ctx context.Context, log *zap.Logger, ep domain.Endpoint, payload []byte) (out Outcome) {
	log = log.With(zap.Int64("endpoint_id", ep.ID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("push panicked", zap.Any("panic", r))
			out = Failed
		}
	}()

	if err := d.limiter.Wait(ctx); err != nil {
		log.Warn("push not attempted", zap.Error(err))
		return Failed
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	out, err := d.pusher.Push(callCtx, ep, payload)
	cancel()

	switch out {
	case Delivered:
		log.Debug("push delivered")
	case Gone:
		log.Info("endpoint gone, deactivating", zap.Error(err))
		if derr := d.store.DeactivateEndpoint(ctx, ep.ID, d.now()); derr != nil {
			log.Error("deactivate endpoint failed", zap.Error(derr))
		}
	default:
		log.Warn("push failed", zap.Error(err))
		out = Failed
	}
	return out
}
