package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"computepay/internal/balancecache"
	"computepay/internal/config"
	"computepay/internal/confirm"
	"computepay/internal/ledger"
	"computepay/internal/ledgernet"
	"computepay/internal/logger"
	"computepay/internal/metrics"
	"computepay/internal/retry"
	"computepay/internal/server"
	"computepay/internal/settlement"
	"computepay/internal/store"
)

// devPlatformIdentity funds settlements on the in-memory network.
var devPlatformIdentity = strings.Repeat("P", 60)

type network struct {
	client   ledgernet.Client
	signer   ledgernet.Signer
	platform string
	close    func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("computepay", "info").Error("config error", "error", err)
		os.Exit(1)
	}
	log := logger.New("computepay", cfg.Service.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	met := metrics.New()
	policy := retry.Policy{Attempts: cfg.Retry.Attempts, Backoff: cfg.Retry.Backoff}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	net, err := openNetwork(ctx, cfg.Network, log)
	if err != nil {
		return fmt.Errorf("network: %w", err)
	}
	defer net.close()

	cacheOpts := balancecache.Options{
		TTL:     cfg.Cache.TTL,
		Policy:  policy,
		Logger:  log.Component("balancecache"),
		Metrics: met,
	}
	if cfg.Cache.RedisURL != "" {
		rdb, err := balancecache.ConnectRedis(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		redisStore := balancecache.NewRedisStore(rdb, 0)
		if err := redisStore.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		cacheOpts.Store = redisStore
	}
	cache := balancecache.New(net.client, cacheOpts)

	poller := confirm.New(net.client, confirm.Options{
		Interval:      cfg.Confirm.Interval,
		Timeout:       cfg.Confirm.Timeout,
		Confirmations: cfg.Confirm.Required,
		Logger:        log.Component("confirm"),
		Metrics:       met,
	})
	settler := settlement.New(st, net.client, net.signer, poller, settlement.Config{
		PlatformIdentity: net.platform,
		TickOffset:       cfg.Settlement.TickOffset,
		Lease:            cfg.Settlement.Lease,
		MaxAttempts:      cfg.Settlement.MaxAttempts,
		RecheckInterval:  cfg.Settlement.RecheckInterval,
	}, settlement.Options{
		Policy:  policy,
		Logger:  log.Component("settlement"),
		Metrics: met,
	})
	defer settler.Close()

	escrows := ledger.New(st, cache, ledger.Options{
		Settler:          settler,
		BroadcastTimeout: cfg.Settlement.BroadcastTimeout,
		Logger:           log.Component("ledger"),
		Metrics:          met,
	})

	// Deferred after the closes above so it runs first: no reconcile pass or
	// sweep is still writing when the store closes.
	stopLoops := startLoops(ctx,
		func(ctx context.Context) { settler.Run(ctx, cfg.Settlement.ReconcileInterval) },
		func(ctx context.Context) { escrows.RunExpirySweeper(ctx, cfg.Service.ExpirySweepInterval) },
	)
	defer stopLoops()

	apiServer := server.NewServer(cfg, server.Deps{
		Store:       st,
		Network:     net.client,
		Settlements: settler,
		Ledger:      escrows,
		Metrics:     met,
		Logger:      log.Component("server"),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-ch:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer stop()
	return apiServer.Shutdown(shutdownCtx)
}

// startLoops runs each loop in its own goroutine. The returned stop cancels
// them and blocks until every loop has returned.
func startLoops(ctx context.Context, loops ...func(context.Context)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}
	return func() {
		cancel()
		wg.Wait()
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.StorePebble:
		return store.NewPebbleStore(cfg.PebblePath)
	case config.StorePostgres:
		return store.NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return store.NewMemoryStore(), nil
	}
}

func openNetwork(ctx context.Context, cfg config.NetworkConfig, log *logger.Logger) (*network, error) {
	switch cfg.Mode {
	case config.NetworkHTTP:
		client, err := ledgernet.NewHTTPClient(ledgernet.HTTPClientConfig{
			BaseURL:       cfg.BaseURL,
			Timeout:       cfg.Timeout,
			RatePerSecond: cfg.RatePerSecond,
			Burst:         cfg.Burst,
		})
		if err != nil {
			return nil, err
		}
		if cfg.SignerURL == "" {
			return nil, fmt.Errorf("http network needs a signing service (signerUrl)")
		}
		signer, err := ledgernet.NewRemoteSigner(ledgernet.HTTPClientConfig{
			BaseURL:     cfg.SignerURL,
			Timeout:     cfg.Timeout,
			BearerToken: cfg.SignerToken,
		})
		if err != nil {
			return nil, err
		}
		if err := signer.Ping(ctx); err != nil {
			return nil, fmt.Errorf("signing service: %w", err)
		}
		log.Info("http network ready", "gateway", cfg.BaseURL, "signer", cfg.SignerURL, "platform", cfg.PlatformIdentity)
		return &network{client: client, signer: signer, platform: cfg.PlatformIdentity, close: func() {}}, nil

	case config.NetworkEth:
		book, err := ledgernet.NewAddressBook(cfg.AddressBook)
		if err != nil {
			return nil, err
		}
		client, rpc, err := ledgernet.DialEthClient(ctx, cfg.RPCURL, book)
		if err != nil {
			return nil, err
		}
		signer, err := ledgernet.NewEthSigner(rpc, book, cfg.PrivateKey)
		if err != nil {
			rpc.Close()
			return nil, err
		}
		log.Info("eth network ready", "rpc", cfg.RPCURL, "platform", signer.Address().Hex())
		return &network{client: client, signer: signer, platform: signer.Address().Hex(), close: rpc.Close}, nil

	default:
		platform := cfg.PlatformIdentity
		if platform == "" {
			platform = devPlatformIdentity
		}
		fake := ledgernet.NewFakeClient()
		fake.SetBalance(platform, 1_000_000_000_000)
		log.Warn("using in-memory ledger network")
		return &network{client: fake, signer: ledgernet.FakeSigner{}, platform: platform, close: func() {}}, nil
	}
}
