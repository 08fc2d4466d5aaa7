package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"verimail.org/internal/account"
	"verimail.org/internal/account/remote"
	"verimail.org/internal/config"
	"verimail.org/internal/httpapi"
	"verimail.org/internal/mail"
	"verimail.org/internal/obs"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, db, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	tokens, err := account.NewTokenService(cfg.SessionSecret,
		account.WithSessionTTL(cfg.SessionTTL),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	accounts := account.NewService(store, tokens, buildMailer(cfg), cfg.BaseURL,
		account.WithConfirmTTL(cfg.ConfirmTTL),
	)

	opts := []httpapi.APIOption{
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
	}
	if cfg.TestEmailEnabled {
		opts = append(opts, httpapi.WithTestEmail())
	}
	if cfg.Env == "production" {
		opts = append(opts, httpapi.WithSecureCookies())
	}

	api := httpapi.New(httpapi.ReadyProbe{Store: store}, version, accounts, opts...)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting verimail-api %s on %s (backend=%s)", version, srv.Addr, cfg.Backend)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

func buildStore(cfg config.Config) (account.Store, *sql.DB, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		return account.NewPGStore(db), db, nil
	case config.BackendRemote:
		client := remote.New(cfg.RemoteURL, cfg.RemoteAPIKey)
		return remote.NewStore(client), nil, nil
	default:
		return account.NewInMemory(), nil, nil
	}
}

func buildMailer(cfg config.Config) mail.Mailer {
	if cfg.SMTPHost == "" {
		return mail.LogMailer{}
	}
	return mail.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.FromEmail)
}
