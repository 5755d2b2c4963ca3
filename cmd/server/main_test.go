package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"computepay/internal/config"
	"computepay/internal/confirm"
	"computepay/internal/ledgernet"
	"computepay/internal/logger"
	"computepay/internal/settlement"
	"computepay/internal/store"
)

func TestStopWaitsForLoops(t *testing.T) {
	var finished atomic.Int32
	stop := startLoops(context.Background(),
		func(ctx context.Context) {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			finished.Add(1)
		},
		func(ctx context.Context) {
			<-ctx.Done()
			finished.Add(1)
		},
	)
	stop()
	if got := finished.Load(); got != 2 {
		t.Fatalf("stop returned with %d of 2 loops finished", got)
	}
}

func TestStopJoinsReconcileBeforeStoreCloses(t *testing.T) {
	st, err := store.NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("pebble: %v", err)
	}
	net := ledgernet.NewFakeClient()
	settler := settlement.New(st, net, ledgernet.FakeSigner{}, confirm.New(net, confirm.Options{}),
		settlement.Config{PlatformIdentity: devPlatformIdentity}, settlement.Options{})

	stop := startLoops(context.Background(), func(ctx context.Context) {
		settler.Run(ctx, time.Millisecond)
	})
	time.Sleep(10 * time.Millisecond)
	stop()
	settler.Close()
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
}

func TestOpenNetworkHTTPNeedsSigner(t *testing.T) {
	cfg := config.NetworkConfig{
		Mode:             config.NetworkHTTP,
		BaseURL:          "http://gateway.invalid",
		PlatformIdentity: strings.Repeat("P", 60),
	}
	if _, err := openNetwork(context.Background(), cfg, logger.Nop()); err == nil {
		t.Fatalf("http mode without a signing service must not start")
	}

	signer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/status" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer signer.Close()
	cfg.SignerURL = signer.URL
	n, err := openNetwork(context.Background(), cfg, logger.Nop())
	if err != nil {
		t.Fatalf("open network: %v", err)
	}
	if _, ok := n.signer.(*ledgernet.RemoteSigner); !ok {
		t.Fatalf("expected remote signer, got %T", n.signer)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "sealed", http.StatusServiceUnavailable)
	}))
	defer down.Close()
	cfg.SignerURL = down.URL
	if _, err := openNetwork(context.Background(), cfg, logger.Nop()); err == nil {
		t.Fatalf("unreachable signing service must not start")
	}
}
