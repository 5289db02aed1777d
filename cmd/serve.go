package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for CRM sync, documents, SLA and 1C hooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newRouter mounts every API route on a chi router.
func newRouter(env *appEnv, origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	h := &handlers{env: env}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.health)

	r.Route("/api/crm", func(r chi.Router) {
		r.Post("/interactions", h.registerInteraction)
		r.Route("/leads/{leadID}", func(r chi.Router) {
			r.Post("/documents", h.ensureDocuments)
			r.Get("/documents/check", h.checkDocuments)
			r.Post("/documents/remind", h.remindDocuments)
			r.Post("/proposal-sent", h.proposalSent)
		})
		r.Post("/sla/check", h.slaCheck)
		r.Post("/calls/process", h.processCall)
	})

	r.Route("/api/emails", func(r chi.Router) {
		r.Get("/", h.listEmails)
		r.Post("/classify", h.classifyEmail)
		r.Post("/proposal", h.emailProposal)
		r.Get("/mock-mode", h.emailMockMode)
		r.Post("/mock-mode", h.setEmailMockMode)
		r.Post("/ingest", h.ingestEmails)
	})

	r.Route("/api/integrations/1c", func(r chi.Router) {
		r.Post("/invoices", h.createInvoice)
		r.Post("/fulfillment", h.createFulfillment)
		r.Post("/payment-notification", h.paymentNotification)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
