package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/sheikh-saqib/coins-ledger-system/internal/config"
	"github.com/sheikh-saqib/coins-ledger-system/internal/events/kafka"
	"github.com/sheikh-saqib/coins-ledger-system/internal/events/logpub"
	"github.com/sheikh-saqib/coins-ledger-system/internal/httpapi"
	interfaces "github.com/sheikh-saqib/coins-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/coins-ledger-system/internal/ledger"
	"github.com/sheikh-saqib/coins-ledger-system/internal/query"
	"github.com/sheikh-saqib/coins-ledger-system/internal/session"
	"github.com/sheikh-saqib/coins-ledger-system/internal/storage/memory"
	"github.com/sheikh-saqib/coins-ledger-system/internal/storage/postgres"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log, err := cfg.NewLogger()
	if err != nil {
		logrus.WithError(err).Fatal("configure logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

type stores struct {
	ledger   interfaces.LedgerStore
	sessions interfaces.SessionStore
	close    func() error
}

func openStores(cfg config.Config, log logrus.FieldLogger) (stores, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, balances live in memory only")
		return stores{
			ledger:   memory.NewMemoryLedgerStore(memory.WithLockTimeout(cfg.LockTimeout)),
			sessions: memory.NewMemorySessionStore(),
			close:    func() error { return nil },
		}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return stores{}, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return stores{}, err
	}
	if err := postgres.Migrate(db); err != nil {
		db.Close()
		return stores{}, err
	}
	log.Info("connected to postgres, schema up to date")

	return stores{
		ledger:   postgres.NewPostgresLedgerStore(db, postgres.WithLockTimeout(cfg.LockTimeout)),
		sessions: postgres.NewPostgresSessionStore(db),
		close:    db.Close,
	}, nil
}

type publisher interface {
	interfaces.EventPublisher
	io.Closer
}

func openPublisher(cfg config.Config, log logrus.FieldLogger) publisher {
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		log.Info("KAFKA_BROKERS not set, events go to the log")
		return logpub.NewPublisher(log.WithField("component", "events"))
	}
	log.WithField("brokers", brokers).Info("publishing events to kafka")
	return kafka.NewPublisher(brokers, cfg.KafkaTopicPrefix)
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	st, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	pub := openPublisher(cfg, log)
	defer pub.Close()

	ledgerService := ledger.NewLedger(st.ledger,
		ledger.WithPublisher(pub),
		ledger.WithLogger(log.WithField("component", "ledger")),
	)
	sessions := session.NewManager(st.sessions, ledgerService, session.Config{
		PendingTTL:  cfg.SessionPendingTTL,
		CancelGrace: cfg.SessionCancelGrace,
		SettleAfter: cfg.SettleAfter,
	},
		session.WithPublisher(pub),
		session.WithLogger(log.WithField("component", "sessions")),
	)

	sweeper := session.NewSweeper(sessions, cfg.SweepInterval, log)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewHandler(httpapi.Services{
			Ledger:   ledgerService,
			Sessions: sessions,
			Query:    query.NewService(st.ledger, st.sessions),
			Limiter:  httpapi.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log),
			Log:      log.WithField("component", "http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("starting server")
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

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
