package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

type RouterConfig struct {
	Handlers       *Handlers
	Logger         logrus.FieldLogger
	AllowedOrigins []string
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	h := cfg.Handlers
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withLogging(cfg.Logger))
	r.Use(middleware.Timeout(15 * time.Second))
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.Healthz)

	// Orders
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Post("/checkout", h.Checkout)
		r.Get("/{orderID}", h.GetOrder)
		r.Post("/{orderID}/transition", h.TransitionOrder)
	})

	// Stock
	r.Get("/rounds/{productID}/{roundID}/stock", h.GetStock)

	// Admin
	r.Route("/admin", func(r chi.Router) {
		r.Put("/rounds/{productID}/{roundID}", h.PutRound)
		r.Post("/reconcile", h.Reconcile)
		r.Post("/no-show-sweep", h.SweepNoShows)
	})

	return r
}

func withLogging(log logrus.FieldLogger) func(http.Handler) http.Handler {
	log = log.WithField("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Info("request handled")
		})
	}
}
