package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/koredeycode/contri-api/internal/handlers"
	appmw "github.com/koredeycode/contri-api/internal/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

func NewRoutes(h *handlers.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("contri api"))
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Post("/auth/login", h.Login)
	r.With(appmw.Authenticated).Get("/auth/me", h.Me)

	r.Route("/wallet", func(r chi.Router) {
		r.Use(appmw.Authenticated)
		r.Get("/", h.GetWallet)
		r.Post("/deposit", h.InitiateDeposit)
	})

	r.With(appmw.Authenticated).Get("/transactions", h.ListTransactions)
	r.With(appmw.Authenticated).Get("/notifications", h.ListNotifications)

	r.Route("/circles", func(r chi.Router) {
		r.Use(appmw.Authenticated)
		r.Post("/", h.CreateCircle)
		r.Get("/", h.ListCircles)
		r.Post("/join", h.JoinCircle)
		r.Get("/{id}", h.GetCircle)
		r.Get("/{id}/members", h.ListMembers)
		r.Post("/{id}/start", h.StartCircle)
		r.Post("/{id}/contribute", h.Contribute)
		r.Post("/{id}/cancel", h.CancelCircle)
	})

	r.Post("/webhooks/paystack", h.PaystackWebhook)

	r.Get("/swagger/*", httpSwagger.WrapHandler)

	return r
}
