package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/hourledger-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware часового леджера.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.serviceAuth.Middleware)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/deduct", h.Deduct)
			r.Post("/{sessionID}/refund", h.Refund)
			r.Get("/{sessionID}/allocations", h.GetSessionAllocations)
		})

		r.Route("/students/{studentID}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/purchases", h.GetStudentPurchases)
			r.Get("/allocations", h.GetStudentAllocations)
		})

		r.Route("/purchases", func(r chi.Router) {
			r.Post("/", h.CreatePurchase)
			r.Get("/{purchaseID}", h.GetPurchase)
			r.Post("/{purchaseID}/complete", h.CompletePurchase)
			r.Post("/{purchaseID}/fail", h.FailPurchase)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
