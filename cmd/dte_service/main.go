package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LdDl/dte-potato/caf"
	"github.com/LdDl/dte-potato/config"
	"github.com/LdDl/dte-potato/dte"
	"github.com/LdDl/dte-potato/httpapi"
	"github.com/LdDl/dte-potato/issuer"
	"github.com/LdDl/dte-potato/ledger"
	"github.com/LdDl/dte-potato/logger"
	"github.com/LdDl/dte-potato/storage"
	"github.com/LdDl/dte-potato/vault"
	"go.uber.org/zap"
)

func main() {
	var configPath string
	var host string
	var port int
	flag.StringVar(&configPath, "config", "", "Path to JSON configuration file")
	flag.StringVar(&host, "host", "", "HTTP server host (overrides config)")
	flag.IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	log, err := logger.New(cfg.Logging.Environment, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Configuration, log *zap.Logger) error {
	log.Info("starting dte service", zap.Any("config", cfg.Redacted()))

	// 1. Storage
	db, err := storage.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	if err := storage.Migrate(db, ledger.Migrate, vault.Migrate); err != nil {
		return err
	}

	// 2. Services
	certificates, err := vault.New(db, []byte(cfg.Vault.MasterKey), log)
	if err != nil {
		return err
	}
	folios := ledger.New(db, log, ledger.WithReservationTTL(cfg.Ledger.ReservationTTL.Duration))
	authorityKeys, err := caf.ParseAuthorityKeys(cfg.Issuer.AuthorityKeys)
	if err != nil {
		return err
	}
	if len(authorityKeys) == 0 {
		log.Warn("no authority keys configured, authorization signatures are not checked")
	}
	service := issuer.New(folios, certificates, log,
		issuer.WithAssembler(dte.NewAssembler(
			dte.WithVATRate(cfg.Tax.VATRate),
			dte.WithHonorariaWithholding(cfg.Tax.HonorariaWithholding),
		)),
		issuer.WithMaxClaimAttempts(cfg.Ledger.MaxClaimAttempts),
		issuer.WithBatchConcurrency(cfg.Issuer.BatchConcurrency),
		issuer.WithAuthorityKeys(authorityKeys),
	)

	// 3. HTTP
	api := httpapi.NewServer(service, folios, certificates, log, httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes))
	srv := &http.Server{
		Addr:         cfg.Address(),
		Handler:      api.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
