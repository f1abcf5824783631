package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shalteor/edbcore/internal/api"
	"github.com/shalteor/edbcore/internal/crypto"
	"github.com/shalteor/edbcore/internal/keystore"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Create the access tables and serve the key API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	g, err := e.graph()
	if err != nil {
		return err
	}
	if err := g.CreateTables(ctx, e.db); err != nil {
		return err
	}

	s, err := e.loadSchema(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("schema loaded", "backend", e.cfg.MetaBackend, "tables", len(s.TableNames()))
	s.Destroy()

	traversal, _ := keystore.ParseTraversal(e.cfg.Traversal)
	ks := keystore.New(g, e.db, crypto.NewManager(),
		keystore.WithLogger(e.logger.Named("keystore")),
		keystore.WithTraversal(traversal),
		keystore.WithEagerThreshold(e.cfg.EagerThreshold),
	)
	defer ks.Close()

	var secret []byte
	if e.cfg.SessionSecret != "" {
		secret = []byte(e.cfg.SessionSecret)
	} else {
		e.logger.Warn("no session_secret configured; tokens will not survive a restart")
	}
	server, err := api.NewServer(g, ks,
		api.WithLogger(e.logger.Named("api")),
		api.WithSessionSecret(secret),
		api.WithSessionTTL(e.cfg.SessionTTL),
		api.WithAllowedOrigins(e.cfg.AllowedOrigins),
	)
	if err != nil {
		return err
	}

	interval := time.Minute
	if e.cfg.SessionTTL < interval {
		interval = e.cfg.SessionTTL
	}
	go server.RunExpiry(ctx, interval)

	srv := &http.Server{
		Addr:              e.cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("starting server", "addr", e.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	e.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
