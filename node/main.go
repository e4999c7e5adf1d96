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

	"solarsystem/api"
	"solarsystem/config"
	"solarsystem/domain"
	"solarsystem/flows"
	"solarsystem/identity"
	"solarsystem/metrics"
	"solarsystem/notary"
	"solarsystem/transport"
	"solarsystem/vault"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// KeyValueCreator opens JetStream key-value buckets.
type KeyValueCreator interface {
	CreateKeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error)
}

type expirer interface {
	Expire(ctx context.Context, maxAge time.Duration) (int, error)
}

func main() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	cfg, err := config.LoadNode()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if err := run(cfg, logger, quit); err != nil {
		logger.Error("node stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("node exited successfully")
}

func run(cfg config.Node, logger *slog.Logger, quit <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := config.SetupTracing(ctx, cfg.OTelEndpoint, "probe-node")
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	name, err := domain.ParseName(cfg.PartyName)
	if err != nil {
		return fmt.Errorf("PROBE_PARTY_NAME: %w", err)
	}
	key, generated, err := identity.LoadKeyPair(cfg.KeySeed)
	if err != nil {
		return fmt.Errorf("PROBE_KEY_SEED: %w", err)
	}
	if generated {
		logger.Warn("no PROBE_KEY_SEED set, using an ephemeral key")
	}
	self := identity.Member{Name: name, Key: key.Public()}
	logger = logger.With("party", name.String())

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
	directory := identity.NewKVDirectory(mapKV)
	if err := identity.Bootstrap(ctx, directory, cfg.NetworkFile, self); err != nil {
		return err
	}

	store, closeVault, err := openVault(ctx, cfg, js, key.Public())
	if err != nil {
		return err
	}
	defer closeVault()

	cpKV, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucketName("checkpoints", key.Public())})
	if err != nil {
		return fmt.Errorf("open checkpoints: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewFlows(reg)

	acceptor := flows.NewAcceptor(key, store, flows.NewKVCheckpoints(cpKV, flows.RoleResponder), logger,
		flows.WithLimiter(flows.NewAcceptorLimiter(cfg.AcceptRPS, cfg.AcceptBurst, 0)),
		flows.WithAcceptorMetrics(m))
	launcher := flows.NewLauncher(flows.LauncherConfig{
		Self:           self.Party(),
		Signer:         key,
		Identities:     directory,
		Notaries:       directory,
		Messaging:      transport.NewMessaging(nc, self.Party(), logger),
		Notary:         notary.NewClient(nc),
		Vault:          store,
		Checkpoints:    flows.NewKVCheckpoints(cpKV, flows.RoleInitiator),
		Metrics:        m,
		Logger:         logger,
		SessionTimeout: cfg.SessionTimeout,
	})
	visited := flows.NewVisitedLister(self.Party(), store, m, logger).WithPaging(cfg.PageSize, cfg.PollTimeout)

	tracker := api.NewTracker(launcher, logger)
	defer tracker.Close()
	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewServer(api.Config{
			Self:     self,
			Tracker:  tracker,
			Visited:  visited,
			Members:  directory,
			Gatherer: reg,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 2)

	if _, err := transport.NewHost(nc, self.Party(), acceptor, logger).Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	go expireLoop(ctx, acceptor, cfg.ExpireAfter/2, cfg.ExpireAfter, logger)

	logger.Info("node started", "key", key.Public().String(), "http", cfg.HTTPAddr, "vault", cfg.Vault)

	select {
	case err := <-errChan:
		return err
	case <-quit:
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func bucketName(prefix string, key domain.PublicKey) string {
	return prefix + "-" + key.Fingerprint()
}

// openVault opens the configured vault backend. The returned close function
// is always safe to call.
func openVault(ctx context.Context, cfg config.Node, js KeyValueCreator, key domain.PublicKey) (vault.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Vault {
	case config.VaultSQLite:
		s, err := vault.OpenSQLite(ctx, cfg.VaultDSN)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case config.VaultJetStream:
		kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucketName("vault", key)})
		if err != nil {
			return nil, noop, fmt.Errorf("open vault bucket: %w", err)
		}
		return vault.NewKVStore(kv), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown vault %q", cfg.Vault)
	}
}

// expireLoop drops stalled responder sessions every interval until ctx is
// done.
func expireLoop(ctx context.Context, e expirer, interval, maxAge time.Duration, logger *slog.Logger) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.Expire(ctx, maxAge)
			if err != nil {
				logger.Warn("Error expiring sessions", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired stalled sessions", "count", n)
			}
		}
	}
}
