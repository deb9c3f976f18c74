package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/wolfman30/comchat-platform/internal/channels/telegram"
	"github.com/wolfman30/comchat-platform/internal/channels/web"
	"github.com/wolfman30/comchat-platform/internal/channels/whatsapp"
	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/comchat-platform/internal/http/middleware"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger *logging.Logger

	Health        *handlers.HealthHandler
	Chat          *conversation.Handler
	Web           *web.Handler
	WhatsApp      *whatsapp.Adapter
	Telegram      *telegram.Adapter
	AdminBackends *handlers.AdminBackendsHandler

	AdminAuthSecret    string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// RateLimiter applies per tenant and client address to the chat API. Optional.
	RateLimiter *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}

	health := cfg.Health
	if health == nil {
		health = handlers.NewHealthHandler(nil, cfg.Logger)
	}

	// Public endpoints (health, metrics, channel webhooks)
	r.Group(func(public chi.Router) {
		public.Get("/health", health.Live)
		public.Get("/ready", health.Ready)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		public.Route("/v1/webhooks", func(hooks chi.Router) {
			if cfg.WhatsApp != nil {
				hooks.Route("/whatsapp", cfg.WhatsApp.Routes)
			}
			if cfg.Telegram != nil {
				hooks.Route("/telegram", cfg.Telegram.Routes)
			}
		})
	})

	// Tenant-scoped chat API and web widget
	r.Route("/v1/tenants/{slug}/chat", func(chat chi.Router) {
		chat.Use(requireTenantSlug)
		if cfg.Web != nil {
			// Long-lived socket and static script: no compression or rate limit.
			cfg.Web.Routes(chat)
		}
		chat.Group(func(api chi.Router) {
			if cfg.RateLimiter != nil {
				api.Use(cfg.RateLimiter.Middleware(httpmiddleware.TenantAndIP))
			}
			api.Use(middleware.Compress(5))
			if cfg.Chat != nil {
				api.Post("/send", cfg.Chat.Send)
				api.Get("/history", cfg.Chat.History)
			}
		})
	})

	if cfg.AdminAuthSecret != "" && cfg.AdminBackends != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Get("/backends", cfg.AdminBackends.List)
			admin.Post("/backends/reload", cfg.AdminBackends.Reload)
		})
	}

	return r
}
