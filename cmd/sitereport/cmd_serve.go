package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sitereport/internal/auth"
	"sitereport/internal/config"
	"sitereport/internal/geocode"
	"sitereport/internal/logging"
	"sitereport/internal/mail"
	"sitereport/internal/payment"
	"sitereport/internal/photos"
	"sitereport/internal/render"
	"sitereport/internal/server"
	"sitereport/internal/store"
)

const sessionPurgeInterval = time.Hour

func (a *app) serveCmd() *cobra.Command {
	var (
		noPDF       bool
		watchConfig bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Long: `Starts the report API. Chrome is launched (or attached via
render.chrome_url) for PDF export; pass --no-pdf to run without it.
SIGINT and SIGTERM trigger a graceful shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runServe(ctx, noPDF, watchConfig)
		},
	}
	cmd.Flags().BoolVar(&noPDF, "no-pdf", false, "Disable PDF export (no Chrome)")
	cmd.Flags().BoolVar(&watchConfig, "watch-config", false, "Re-apply logging settings when the config file changes")
	return cmd
}

func (a *app) runServe(ctx context.Context, noPDF, watchConfig bool) error {
	log := a.log()
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := logging.InitAudit(); err != nil {
		log.Warn("Audit log unavailable", zap.Error(err))
	}
	defer logging.CloseAudit()

	if watchConfig {
		w, err := config.NewWatcher(a.configPath, func(next *config.Config) {
			if err := logging.Initialize(cfg.DataDir, next.Logging.Options()); err != nil {
				log.Warn("Could not apply logging settings", zap.Error(err))
				return
			}
			log.Info("Logging settings reloaded", zap.String("level", next.Logging.Level))
		})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	mailer := mail.New(cfg)
	var host photos.Host
	if cfg.Images.Enabled() {
		host = photos.NewCloudinary(cfg.Images)
	} else {
		log.Warn("Image host not configured; photo uploads are disabled")
	}
	geo := geocode.New(cfg.Geocode)
	defer geo.Close()

	var (
		pdf    render.PDFRenderer
		chrome *render.Chrome
	)
	if !noPDF {
		chrome = render.NewChrome(cfg.Render)
		startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := chrome.Start(startCtx); err != nil {
			// retried on the first PDF request
			log.Warn("Chrome not available yet", zap.Error(err))
		}
		cancel()
		pdf = chrome
	}
	exporter := render.NewExporter(cfg, pdf)
	defer exporter.Images().Close()

	srv := server.New(server.Deps{
		Config:   cfg,
		Store:    st,
		Auth:     auth.New(st, cfg),
		Photos:   photos.NewService(st, host, cfg.Images, cfg.Limits),
		Payments: payment.NewService(st, cfg.Payments, mailer),
		Geocoder: geo,
		Exporter: exporter,
		Mailer:   mailer,
	})

	log.Info("Starting server",
		zap.String("addr", cfg.Server.Addr),
		zap.String("version", version),
		zap.Bool("payments", cfg.Payments.Enabled()),
		zap.Bool("mail", mailer.Enabled()),
		zap.Bool("google", cfg.GoogleEnabled()),
		zap.Bool("pdf", pdf != nil),
	)
	logging.Boot("sitereport %s listening on %s", version, cfg.Server.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		purgeSessions(gctx, st, sessionPurgeInterval, log)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.GetShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		if chrome != nil {
			if err := chrome.Shutdown(shutdownCtx); err != nil {
				log.Warn("Chrome shutdown failed", zap.Error(err))
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Server stopped")
	return nil
}

// purgeSessions deletes expired sessions once at startup and then on every tick.
func purgeSessions(ctx context.Context, st *store.Store, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if n, err := st.PurgeExpiredSessions(); err != nil {
			log.Warn("Session purge failed", zap.Error(err))
		} else if n > 0 {
			log.Debug("Purged expired sessions", zap.Int64("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
