package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/emberhq/ember/internal/auth"
	"github.com/emberhq/ember/internal/billing"
	"github.com/emberhq/ember/internal/campaign"
	"github.com/emberhq/ember/internal/delivery"
	"github.com/emberhq/ember/internal/email"
	"github.com/emberhq/ember/internal/handler"
	"github.com/emberhq/ember/internal/middleware"
	"github.com/emberhq/ember/internal/push"
	"github.com/emberhq/ember/internal/quota"
	"github.com/emberhq/ember/internal/store"
	ws "github.com/emberhq/ember/internal/websocket"
)

// Config carries the wiring knobs main reads from the environment.
type Config struct {
	CronSecret   string
	SendHour     int // UTC hour scheduled campaigns fire at
	BulkLimit    int
	WorkerCount  int
	WorkerQueue  int
	Push         push.Config
	Stripe       billing.Config
	ResendAPIKey string
	FromEmail    string
}

type Server struct {
	db           *sql.DB
	hub          *ws.Hub
	activityH    *handler.ActivityHandler
	preferenceH  *handler.PreferenceHandler
	pushH        *handler.PushHandler
	campaignH    *handler.CampaignHandler
	userH        *handler.UserHandler
	webhookH     *handler.WebhookHandler
	sessionStore *store.SessionStore
	rateLimiter  *middleware.RateLimiter
	workers      *campaign.Workers
	cron         *campaign.Cron
	cronSecret   string
	logger       *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	userStore := store.NewUserStore(db)
	activityStore := store.NewActivityStore(db)
	prefStore := store.NewPreferenceStore(db)
	pushStore := store.NewPushStore(db)
	subStore := store.NewSubscriptionStore(db)
	usageStore := store.NewUsageStore(db)
	sendStore := store.NewCampaignStore(db)
	sessionStore := store.NewSessionStore(db)

	pushLogger := logger.With("component", "push")
	pushSvc := push.NewService(cfg.Push)
	emailClient := email.NewClient(cfg.ResendAPIKey, cfg.FromEmail)

	channels := map[campaign.ChannelKind]delivery.Channel{
		campaign.ChannelPush:  push.NewChannel(pushStore, pushSvc, pushLogger),
		campaign.ChannelEmail: email.NewChannel(emailClient),
	}

	enforcer := quota.NewEnforcer(subStore, usageStore)
	dispatcher := campaign.NewDispatcher(
		userStore, activityStore, prefStore, sendStore, enforcer, channels, logger,
	).WithBulkLimit(cfg.BulkLimit)

	workers := campaign.NewWorkers(dispatcher, cfg.WorkerCount, cfg.WorkerQueue, logger)
	cron := campaign.NewCron(dispatcher, cfg.SendHour, logger)

	stripeClient := billing.NewClient(cfg.Stripe)

	return &Server{
		db:           db,
		hub:          hub,
		activityH:    handler.NewActivityHandler(userStore, activityStore, hub, logger.With("component", "activity")),
		preferenceH:  handler.NewPreferenceHandler(prefStore, logger.With("component", "preferences")),
		pushH:        handler.NewPushHandler(pushStore, pushSvc, logger.With("component", "push_handler")),
		campaignH:    handler.NewCampaignHandler(dispatcher, logger.With("component", "campaign_handler")),
		userH:        handler.NewUserHandler(userStore, sessionStore, workers, logger.With("component", "users")),
		webhookH:     handler.NewWebhookHandler(stripeClient, userStore, subStore, logger.With("component", "webhook")),
		sessionStore: sessionStore,
		rateLimiter:  middleware.NewRateLimiter(),
		workers:      workers,
		cron:         cron,
		cronSecret:   cfg.CronSecret,
		logger:       logger,
	}
}

// Workers returns the background send pool for lifecycle management.
func (s *Server) Workers() *campaign.Workers {
	return s.workers
}

// Cron returns the built-in campaign scheduler for lifecycle management.
func (s *Server) Cron() *campaign.Cron {
	return s.cron
}

// SessionStore returns the session store for cleanup tasks.
func (s *Server) SessionStore() *store.SessionStore {
	return s.sessionStore
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)
	outerMux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)

	// Shared-secret routes: scheduling and provisioning, called by the main
	// product and external cron, never by browsers.
	cronMux := http.NewServeMux()
	cronMux.HandleFunc("POST /api/campaigns/{type}/dispatch", s.campaignH.Dispatch)
	cronMux.HandleFunc("POST /api/campaigns/{type}/send", s.campaignH.Send)
	cronMux.HandleFunc("POST /api/users", s.userH.Create)
	cronMux.HandleFunc("PUT /api/users/{id}/timezone", s.userH.UpdateTimezone)
	cronMux.HandleFunc("DELETE /api/users/{id}", s.userH.Delete)
	cronMux.HandleFunc("POST /api/sessions", s.userH.CreateSession)
	cronGate := middleware.RequireCronSecret(s.cronSecret)
	outerMux.Handle("/api/campaigns/", cronGate(cronMux))
	outerMux.Handle("/api/users", cronGate(cronMux))
	outerMux.Handle("/api/users/", cronGate(cronMux))
	outerMux.Handle("/api/sessions", cronGate(cronMux))

	// Authenticated routes
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)
	outerMux.Handle("/", middleware.RequireAuth(s.sessionStore)(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/activity", s.activityH.Record)
	mux.HandleFunc("GET /api/streak", s.activityH.Streak)

	mux.HandleFunc("GET /api/preferences", s.preferenceH.List)
	mux.HandleFunc("PUT /api/preferences", s.rateLimitedHandler(s.preferenceH.Update))

	mux.HandleFunc("POST /api/push/subscribe", s.rateLimitedHandler(s.pushH.Subscribe))
	mux.HandleFunc("DELETE /api/push/subscriptions/{id}", s.pushH.Unsubscribe)
	mux.HandleFunc("POST /api/push/unsubscribe", s.pushH.UnsubscribeEndpoint)
	mux.HandleFunc("GET /api/push/subscriptions", s.pushH.ListSubscriptions)

	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// rateLimitedHandler bounds mutating endpoints per user, falling back to the
// client IP before auth ran.
func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		if userID := auth.UserID(r.Context()); userID != 0 {
			return "user:" + strconv.FormatInt(userID, 10)
		}
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 30, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}
