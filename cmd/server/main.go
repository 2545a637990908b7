package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"waitroom-intake/internal/config"
	"waitroom-intake/internal/core"
	"waitroom-intake/internal/db"
	httpserver "waitroom-intake/internal/http"
	"waitroom-intake/internal/llm"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:          "server",
		Short:        "Serve the waiting-room intake conversation API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(cfg.Level())
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "optional YAML config file")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := log.Logger

	store, notifier, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Initialize OpenAI LLM client
	model := llm.NewOpenAIClient(llm.Options{
		APIKey:       cfg.OpenAI.APIKey,
		BaseURL:      cfg.OpenAI.BaseURL,
		ChatModel:    cfg.OpenAI.ChatModel,
		SummaryModel: cfg.OpenAI.SummaryModel,
	})
	csrf, err := httpserver.NewCSRF(cfg.CSRFSecret)
	if err != nil {
		return err
	}
	var caseNotifier httpserver.CaseNotifier
	if notifier != nil {
		caseNotifier = notifier
	}
	srv, err := httpserver.NewServer(store, core.NewChatService(model), core.NewCaseExtractor(model), caseNotifier, csrf, cfg.MessageCap, logger)
	if err != nil {
		return errors.Wrap(err, "construct server")
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpSrv.RegisterOnShutdown(srv.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", httpSrv.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		srv.Wait()
		return errors.Wrap(err, "shutdown")
	})
	if notifier != nil {
		g.Go(func() error { return watchCases(gctx, notifier, srv, logger) })
	}
	return g.Wait()
}

// openStore picks SQLite or Postgres from DATABASE_URL.  For Postgres it also
// returns the case notifier.
func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (db.Store, *db.Notifier, error) {
	if cfg.UsesSQLite() {
		store, err := db.NewSQLiteStore(ctx, cfg.SQLitePath())
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath()).Msg("using sqlite store")
		return store, nil, nil
	}

	dbConn, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open database")
	}
	// Verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbConn.PingContext(pingCtx); err != nil {
		dbConn.Close()
		return nil, nil, errors.Wrap(err, "ping database")
	}
	if err := db.Migrate(ctx, dbConn); err != nil {
		dbConn.Close()
		return nil, nil, err
	}
	return db.NewRepository(dbConn), db.NewNotifier(dbConn, cfg.DatabaseURL, cfg.NotifyChannel, logger), nil
}

// watchCases forwards case notifications from every server instance to the
// local case streams.
func watchCases(ctx context.Context, notifier *db.Notifier, srv *httpserver.Server, logger zerolog.Logger) error {
	updates, err := notifier.Listen(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("case update listener disabled, streams only see local updates")
		return nil
	}
	for sessionID := range updates {
		logger.Debug().Str("session_id", sessionID).Msg("medical case update")
		srv.Publish(sessionID)
	}
	return nil
}
