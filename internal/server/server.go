// Package server exposes the JSON API and export downloads over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sitereport/internal/auth"
	"sitereport/internal/config"
	"sitereport/internal/geocode"
	"sitereport/internal/logging"
	"sitereport/internal/mail"
	"sitereport/internal/payment"
	"sitereport/internal/photos"
	"sitereport/internal/render"
	"sitereport/internal/store"
)

// Deps are the services the server routes to.
type Deps struct {
	Config   *config.Config
	Store    *store.Store
	Auth     *auth.Service
	Photos   *photos.Service
	Payments *payment.Service
	Geocoder *geocode.Geocoder
	Exporter *render.Exporter
	Mailer   *mail.Mailer
}

// Server is the HTTP front end.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	auth     *auth.Service
	photos   *photos.Service
	payments *payment.Service
	geocoder *geocode.Geocoder
	exporter *render.Exporter
	mailer   *mail.Mailer

	metrics *Metrics
	proxy   *imageProxy
	router  chi.Router
	http    *http.Server
	now     func() time.Time
}

// New wires the router.
func New(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		store:    d.Store,
		auth:     d.Auth,
		photos:   d.Photos,
		payments: d.Payments,
		geocoder: d.Geocoder,
		exporter: d.Exporter,
		mailer:   d.Mailer,
		now:      time.Now,
	}
	var cache *geocode.Cache[geocode.Result]
	if s.geocoder != nil {
		cache = s.geocoder.Cache()
	}
	s.metrics = NewMetrics(cache)
	s.proxy = newImageProxy(d.Config.Limits.MaxProxyImageBytes(), d.Config.Render.AllowPrivateImages)
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Metrics exposes the server's collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)
	r.Use(limitBody(s.cfg.Limits.MaxBodyBytes()))
	r.Use(middleware.Timeout(s.cfg.GetWriteTimeout()))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
			r.Get("/google", s.handleGoogleStart)
			r.Get("/google/callback", s.handleGoogleCallback)
			r.With(s.auth.RequireUser).Get("/me", s.handleMe)
			r.With(s.auth.RequireUser).Put("/password", s.handleChangePassword)
		})

		r.Get("/image-proxy", s.handleImageProxy)
		r.Post("/payments/webhook", s.handlePaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireUser)

			r.Get("/geocode", s.handleGeocode)
			r.Get("/geocode/reverse", s.handleReverseGeocode)

			r.Get("/payments", s.handleListPayments)
			r.Post("/payments/order", s.handleCreateOrder)
			r.Post("/payments/verify", s.handleVerifyPayment)

			r.Route("/reports", func(r chi.Router) {
				r.Get("/", s.handleListReports)
				r.Post("/", s.handleCreateReport)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetReport)
					r.Put("/", s.handleUpdateReport)
					r.Delete("/", s.handleDeleteReport)

					r.Get("/photos", s.handleListPhotos)
					r.Post("/photos", s.handleAddPhoto)
					r.Put("/photos/order/{section}", s.handleReorderPhotos)
					r.Patch("/photos/{photoID}", s.handleUpdatePhoto)
					r.Delete("/photos/{photoID}", s.handleDeletePhoto)

					r.Group(func(r chi.Router) {
						r.Use(s.auth.RequirePaid)
						r.Get("/export/pdf", s.exportHandler(render.FormatPDF))
						r.Get("/export/docx", s.exportHandler(render.FormatDOCX))
						r.Get("/export/html", s.exportHandler(render.FormatHTML))
						r.Get("/summary", s.handleSummary)
						r.Post("/email", s.handleEmailReport)
					})
				})
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.auth.RequireAdmin)
				r.Get("/stats", s.handleAdminStats)
				r.Get("/users", s.handleAdminUsers)
				r.Put("/users/{id}/role", s.handleAdminSetRole)
				r.Put("/users/{id}/paid", s.handleAdminSetPaid)
				r.Get("/reports", s.handleAdminReports)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errRouteNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errMethodNotAllowed)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.store.Ping(); err != nil {
		logging.HTTPError("Health check failed: %v", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"version": s.cfg.Version,
		"time":    s.now().UTC(),
	})
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.GetReadTimeout(),
		// exports run right up to the middleware deadline
		WriteTimeout: s.cfg.GetWriteTimeout() + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	logging.Boot("Listening on %s", s.cfg.Server.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	logging.Boot("Shutting down HTTP server")
	return s.http.Shutdown(ctx)
}
