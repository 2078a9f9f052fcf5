/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer between URLs and handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in the access log
  2. RealIP:     Client address behind a proxy
  3. Access log: One zerolog line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       The cashier UI runs on its own origin

ROUTE GROUPS:
  /api/parcels/*   Parcel registry, cycles per parcel, parcel receipts and fees
  /api/cycles/*    Cycle operations by id
  /api/receipts/*  Issue, read and reverse receipts
  /api/admin/*     Folio, cycle label, day close
  /api/stats       Area statistics
  /api/audit       Irrigation ledger audit trail
  /api/fees/*      Cooperative-fee ledger

SECURITY NOTE:
  No authentication. The server is meant for the cashier's workstation.

SEE ALSO:
  - handlers.go, fees.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Route("/parcels", func(r chi.Router) {
			r.Get("/", h.ListParcels)
			r.Post("/", h.CreateParcel)
			r.Get("/{id}", h.GetParcel)
			r.Put("/{id}", h.UpdateParcel)
			r.Delete("/{id}", h.DeleteParcel)
			r.Post("/{id}/rename", h.RenameParcel)
			r.Post("/{id}/split", h.SplitParcel)
			r.Get("/{id}/cycles", h.CycleHistory)
			r.Post("/{id}/cycles", h.StartCycle)
			r.Get("/{id}/cycles/active", h.ActiveCycle)
			r.Post("/{id}/crop", h.ChangeCrop)
			r.Get("/{id}/receipts", h.ParcelReceipts)
			r.Get("/{id}/fees", h.ParcelFees)
		})

		r.Post("/cycles/{id}/close", h.CloseCycle)

		r.Route("/receipts", func(r chi.Router) {
			r.Get("/", h.ListReceipts)
			r.Post("/", h.IssueReceipts)
			r.Get("/{id}", h.GetReceipt)
			r.Post("/{id}/reverse", h.ReverseReceipt)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/folio", h.GetFolio)
			r.Put("/folio", h.SetFolio)
			r.Post("/rollover", h.Rollover)
			r.Get("/day-close", h.DayStatus)
			r.Post("/day-close", h.CloseDay)
		})

		r.Get("/stats", h.Stats)
		r.Get("/stats/crops/{crop}", h.CropStats)
		r.Get("/audit", h.Audit)

		r.Route("/fees", func(r chi.Router) {
			r.Get("/types", h.ListFeeTypes)
			r.Post("/types", h.CreateFeeType)
			r.Get("/types/{id}", h.GetFeeType)
			r.Put("/types/{id}", h.UpdateFeeType)
			r.Delete("/types/{id}", h.DeactivateFeeType)
			r.Get("/types/{id}/summary", h.FeeSummary)
			r.Post("/types/{id}/assign", h.AssignFee)
			r.Get("/overview", h.FeeOverview)
			r.Get("/stats", h.FeeStats)
			r.Post("/obligations/{id}/pay", h.PayFee)
			r.Get("/receipts", h.ListFeeReceipts)
			r.Get("/receipts/{id}", h.GetFeeReceipt)
			r.Get("/audit", h.FeeAudit)
		})
	})

	return r
}

// accessLog writes one line per request through zerolog.
func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
