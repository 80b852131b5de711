/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     Structured request logging (logrus)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /healthz              Liveness
  /api/stock/*          Point-in-time stock
  /api/snapshots/*      Checkpoints and audit log
  /api/archive/*        Archive-then-purge lifecycle
  /api/items            Catalog
  /api/ledger/{kind}/*  Purchases, sales, returns

SECURITY NOTE:
  No authentication middleware. Purge endpoints delete data; expose this
  server only behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// NewRouter creates a new router with all routes configured. An empty
// origins list allows any origin.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/stock", func(r chi.Router) {
			r.Get("/", h.GetStock)
			r.Get("/verify", h.VerifyStock)
		})

		r.Route("/snapshots", func(r chi.Router) {
			r.Post("/", h.CreateSnapshot)
			r.Get("/history", h.SnapshotHistory)
			r.Get("/{date}", h.GetSnapshot)
		})

		r.Route("/archive", func(r chi.Router) {
			r.Get("/", h.ListArchive)
			r.Post("/preview", h.PreviewArchive)
			r.Post("/transfer", h.TransferToArchive)
			r.Post("/purge", h.PurgeLedger)
			r.Post("/commit", h.CommitArchive)
		})

		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.CreateItem)
		})

		r.Route("/ledger/{kind}", func(r chi.Router) {
			r.Get("/", h.ListLedger)
			r.Post("/", h.AppendLedger)
			r.Delete("/{id}", h.DeleteLedgerEntry)
		})
	})

	return r
}

// requestLogger logs one line per request after it completes.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				entry := log.WithFields(logrus.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"duration":   time.Since(start).String(),
					"remote":     r.RemoteAddr,
					"request_id": middleware.GetReqID(r.Context()),
				})
				switch {
				case ww.Status() >= 500:
					entry.Error("request")
				case ww.Status() >= 400:
					entry.Warn("request")
				default:
					entry.Info("request")
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
