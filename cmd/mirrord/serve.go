package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	httpapi "github.com/tbourn/go-chat-mirror/internal/http"
	"github.com/tbourn/go-chat-mirror/internal/instance"
	"github.com/tbourn/go-chat-mirror/internal/observability"
	"github.com/tbourn/go-chat-mirror/internal/repo"
	"github.com/tbourn/go-chat-mirror/internal/sysutil"
)

// purgeEvery is how often expired idempotency records are deleted.
const purgeEvery = 10 * time.Minute

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect stored accounts and serve the inspection API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := sysutil.SignalContext(background(cmd))
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, store, err := a.openStore(cfg.OTEL.Enabled)
	if err != nil {
		return err
	}
	defer closeDB(db)

	mgr := instance.NewManager(ctx, cfg, store)
	defer mgr.Close()
	for _, d := range cfg.Instances {
		if _, err := mgr.Instance(d); err != nil {
			log.Warn().Err(err).Str("domain", d).Msg("skip instance")
		}
	}
	n, err := mgr.Restore(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("accounts", n).Int("instances", len(mgr.Instances())).Msg("credentials restored")

	go purgeIdempotency(ctx, db)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{Manager: mgr, DB: db}, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func purgeIdempotency(ctx context.Context, db *gorm.DB) {
	t := time.NewTicker(purgeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeIdempotency(ctx, db, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("purge idempotency records")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("purged idempotency records")
			}
		}
	}
}
