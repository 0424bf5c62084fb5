package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ykvlv/symptom-reminder/internal/config"
	"github.com/ykvlv/symptom-reminder/internal/push"
	"github.com/ykvlv/symptom-reminder/internal/reminder"
	"github.com/ykvlv/symptom-reminder/internal/scheduler"
	"github.com/ykvlv/symptom-reminder/internal/store"
	"github.com/ykvlv/symptom-reminder/internal/telegram"
	"github.com/ykvlv/symptom-reminder/internal/webhook"
)

type App struct {
	cfg        config.Config
	log        *zap.Logger
	repo       store.Repo
	dispatcher *push.Dispatcher
	engine     *reminder.Engine
	reporter   *telegram.Reporter
}

// New opens storage and wires the delivery stack and the engine.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	repo, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("store ready", zap.String("driver", cfg.DBDriver))

	// A nil pusher disables delivery; passes still evaluate and report.
	var pusher push.Pusher
	wp, err := push.NewWebPush(push.WebPushOptions{
		PublicKey:  cfg.VAPID.PublicKey,
		PrivateKey: cfg.VAPID.PrivateKey,
		Subject:    cfg.VAPID.Subject,
		Client:     &http.Client{Timeout: cfg.Push.Timeout},
	})
	switch {
	case errors.Is(err, push.ErrNotConfigured):
		log.Warn("VAPID keys missing, push delivery disabled")
	case err != nil:
		_ = repo.Close()
		return nil, fmt.Errorf("web push: %w", err)
	default:
		pusher = wp
	}

	dispatcher := push.NewDispatcher(repo, pusher, log.Named("push"), push.Options{
		Timeout: cfg.Push.Timeout,
		Rate:    cfg.Push.Rate,
		Burst:   cfg.Push.Burst,
		Icon:    cfg.Push.Icon,
		Badge:   cfg.Push.Badge,
		RefSalt: cfg.UserRefSalt,
	})

	engine := reminder.New(reminder.Deps{
		Store:      repo,
		Completion: repo,
		Notifier:   dispatcher,
		Log:        log.Named("reminder"),
	}, reminder.Options{
		Window:  cfg.Reminder.Window,
		Workers: cfg.Reminder.Workers,
		Title:   cfg.Push.Title,
		Body:    cfg.Push.Body,
		URL:     cfg.Push.URL,
		RefSalt: cfg.UserRefSalt,
	})

	a := &App{cfg: cfg, log: log, repo: repo, dispatcher: dispatcher, engine: engine}
	if cfg.Ops.Enabled() {
		rep, err := telegram.NewBotReporter(cfg.Ops.TelegramToken, cfg.Ops.TelegramChatID, log.Named("ops"))
		if err != nil {
			// Summaries are optional; the reminder path must keep working.
			log.Warn("ops reporter disabled", zap.Error(err))
		} else {
			a.reporter = rep
		}
	}
	return a, nil
}

// Close releases storage.
func (a *App) Close() error {
	if a.repo == nil {
		return nil
	}
	return a.repo.Close()
}

func (a *App) hook() func(context.Context, reminder.Summary) {
	if a.reporter == nil {
		return nil
	}
	return a.reporter.Report
}

// Serve runs the webhook HTTP server and the periodic scheduler until a
// signal arrives or ctx ends.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.log.Info("starting symptom-reminder",
		zap.String("mode", "serve"),
		zap.String("http", a.cfg.HTTPAddr),
		zap.String("webhook", a.cfg.Webhook.Path),
	)

	if a.cfg.Webhook.Secret == "" {
		a.log.Warn("WEBHOOK_SECRET empty, webhook trigger will answer 503")
	}
	mux := http.NewServeMux()
	webhook.New(a.engine, a.log.Named("webhook"), webhook.Options{
		Secret:          a.cfg.Webhook.Secret,
		AllowQueryToken: a.cfg.Webhook.AllowQueryToken,
		Rate:            a.cfg.Webhook.Rate,
		Burst:           a.cfg.Webhook.Burst,
	}, a.hook()).Register(mux, a.cfg.Webhook.Path)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
		ReadTimeout:       5 * time.Second,
		// A pass may run for a while; the write deadline covers it.
		WriteTimeout: 3 * time.Minute,
	}

	periodic := scheduler.NewPeriodic(a.engine, a.engine, a.log.Named("scheduler"),
		a.cfg.Reminder.SchedulerInterval, a.cfg.Reminder.SweepSpec, a.hook())
	if err := periodic.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			a.log.Error("http server error", zap.Error(err))
			runErr = err
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		a.log.Warn("http server shutdown error", zap.Error(err))
	}
	periodic.Stop(shCtx)
	return runErr
}

// Poll runs the standalone polling trigger until a signal arrives.
func (a *App) Poll(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.log.Info("starting symptom-reminder", zap.String("mode", "poll"))
	scheduler.NewPoller(a.engine, a.log.Named("poller"), a.cfg.Reminder.PollInterval, a.hook()).Run(ctx)
	return nil
}
