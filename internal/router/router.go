package router

import (
	"context"
	"expvar"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gigmarket/ordersync/internal/api"
	"github.com/gigmarket/ordersync/internal/api/handler"
	"github.com/gigmarket/ordersync/internal/middleware"
	"github.com/gigmarket/ordersync/internal/models"
	"github.com/gigmarket/ordersync/internal/service"
	"github.com/gigmarket/ordersync/internal/websockets"
)

// HealthChecker reports whether a dependency is usable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options carries everything the router serves
type Options struct {
	Engine         *service.Engine
	Auth           *service.AuthService
	Hub            *websockets.Hub
	Query          service.Query
	AllowedOrigins []string
	// Health is optional; nil means always healthy
	Health HealthChecker
	Logger *slog.Logger
}

// New builds the HTTP handler
func New(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	orders := handler.NewOrderHandler(opts.Engine, opts.Query)
	chats := handler.NewChatHandler(opts.Engine)
	auth := handler.NewAuthHandler(opts.Auth)
	ws := handler.NewWebSocketHandler(opts.Hub, opts.Auth, opts.AllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(opts.Logger))
	r.Use(chimw.Recoverer)

	// Public routes
	r.Get("/healthz", health(opts.Health))
	r.Handle("/metrics", expvar.Handler())
	r.Handle("/ws", ws)
	r.Post("/api/auth/login", auth.Login)

	// Protected routes
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(opts.Auth))

		r.Get("/orders", orders.ListOrders)
		r.Get("/orders/{id}", orders.GetOrder)
		r.Get("/orders/{id}/actions", orders.Actions)
		r.Get("/orders/{id}/messages", chats.Messages)
		r.Get("/session", orders.Session)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(models.RoleAdmin, models.RoleOperator))

			r.Post("/orders/refresh", orders.Refresh)
			r.Post("/orders/{id}/open", orders.Open)
			r.Post("/orders/{id}/advance", orders.Advance)
			r.Post("/orders/{id}/extras", orders.RequestExtra)
			r.Post("/orders/{id}/extras/resolve", orders.ResolveExtra)
			r.Post("/orders/{id}/cancel", orders.Cancel)
			r.Post("/orders/{id}/complete", orders.Complete)

			r.Post("/orders/{id}/messages", chats.Send)
			r.Post("/orders/{id}/messages/{localID}/retry", chats.Retry)
			r.Delete("/orders/{id}/messages/{localID}", chats.Discard)

			r.Post("/session/resume", orders.Resume)
			r.Delete("/session", orders.Leave)
		})
	})

	return otelhttp.NewHandler(r, "ordersync")
}

func health(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.HealthCheck(r.Context()); err != nil {
				api.Error(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		api.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
