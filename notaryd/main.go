package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"solarsystem/config"
	"solarsystem/domain"
	"solarsystem/identity"
	"solarsystem/notary"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	cfg, err := config.LoadNotary()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if err := run(cfg, logger, quit); err != nil {
		logger.Error("notary stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("notary exited successfully")
}

func run(cfg config.Notary, logger *slog.Logger, quit <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := config.SetupTracing(ctx, cfg.OTelEndpoint, "probe-notary")
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	self, key, err := notaryIdentity(cfg)
	if err != nil {
		return err
	}
	logger = logger.With("notary", self.Name.String())

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}
	mapKV, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: "network-map"})
	if err != nil {
		return fmt.Errorf("open network map: %w", err)
	}
	if err := identity.Bootstrap(ctx, identity.NewKVDirectory(mapKV), cfg.NetworkFile, self); err != nil {
		return err
	}
	commitKV, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: "notary-commits-" + key.Public().Fingerprint()})
	if err != nil {
		return fmt.Errorf("open commit log: %w", err)
	}

	service := notary.NewService(key, notary.NewKVCommitLog(commitKV), logger)
	if _, err := notary.NewServer(nc, service, logger).Start(ctx); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: router(reg), ReadHeaderTimeout: 10 * time.Second}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	logger.Info("notary started", "key", key.Public().String(), "metrics", cfg.MetricsAddr)

	select {
	case err := <-errChan:
		return err
	case <-quit:
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

// notaryIdentity builds the network map entry the notary advertises.
func notaryIdentity(cfg config.Notary) (identity.Member, *identity.KeyPair, error) {
	name, err := domain.ParseName(cfg.PartyName)
	if err != nil {
		return identity.Member{}, nil, fmt.Errorf("PROBE_PARTY_NAME: %w", err)
	}
	key, generated, err := identity.LoadKeyPair(cfg.KeySeed)
	if err != nil {
		return identity.Member{}, nil, fmt.Errorf("PROBE_KEY_SEED: %w", err)
	}
	if generated && cfg.NetworkFile != "" {
		return identity.Member{}, nil, errors.New("PROBE_KEY_SEED is required when a network file pins notary keys")
	}
	return identity.Member{Name: name, Key: key.Public(), Notary: true}, key, nil
}

func router(g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return r
}
