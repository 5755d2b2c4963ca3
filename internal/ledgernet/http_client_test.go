package ledgernet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var testIdentity = strings.Repeat("A", 60)

func newTestHTTPClient(t *testing.T, h http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, RatePerSecond: 100, Burst: 10})
	require.NoError(t, err)
	return c
}

func TestHTTPClientBalance(t *testing.T) {
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/balances/"+testIdentity, r.URL.Path)
		_, _ = w.Write([]byte(`{"balance":{"id":"` + testIdentity + `","balance":"1500"}}`))
	}))

	got, err := c.GetBalance(context.Background(), testIdentity)
	require.NoError(t, err)
	require.EqualValues(t, 1500, got)
}

func TestHTTPClientBalanceServerError(t *testing.T) {
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))

	_, err := c.GetBalance(context.Background(), testIdentity)
	require.ErrorIs(t, err, ErrNetwork)
}

func TestHTTPClientBroadcast(t *testing.T) {
	payload := []byte("signed-bytes")
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/broadcast-transaction", r.URL.Path)
		var body broadcastRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, base64.StdEncoding.EncodeToString(payload), body.EncodedTransaction)
		_, _ = w.Write([]byte(`{"peersBroadcasted":3,"transactionId":"txid-1"}`))
	}))

	id, err := c.Broadcast(context.Background(), SignedTransfer{Payload: payload})
	require.NoError(t, err)
	require.Equal(t, "txid-1", id)
}

func TestHTTPClientBroadcastRejected(t *testing.T) {
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad signature", http.StatusBadRequest)
	}))

	_, err := c.Broadcast(context.Background(), SignedTransfer{Payload: []byte("x")})
	require.ErrorIs(t, err, ErrBroadcast)
}

func TestHTTPClientStatus(t *testing.T) {
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/transactions/known/status":
			_, _ = w.Write([]byte(`{"status":"confirmed","confirmations":4}`))
		case "/v1/transactions/weird/status":
			_, _ = w.Write([]byte(`{"status":"exploded"}`))
		default:
			http.NotFound(w, r)
		}
	}))

	st, err := c.GetStatus(context.Background(), "known")
	require.NoError(t, err)
	require.Equal(t, Status{State: StateConfirmed, Confirmations: 4}, st)

	st, err = c.GetStatus(context.Background(), "missing")
	require.NoError(t, err)
	require.Equal(t, StatePending, st.State)

	_, err = c.GetStatus(context.Background(), "weird")
	require.ErrorIs(t, err, ErrNetwork)
}

func TestHTTPClientTickAndPing(t *testing.T) {
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/tick-info":
			_, _ = w.Write([]byte(`{"tickInfo":{"tick":17000123,"epoch":140}}`))
		case "/v1/status":
			_, _ = w.Write([]byte(`{}`))
		}
	}))

	tick, err := c.GetTick(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 17000123, tick)
	require.NoError(t, c.Ping(context.Background()))
}

func TestNewHTTPClientRequiresURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPClientConfig{})
	require.Error(t, err)
}

func TestIdentityAndSeedFormats(t *testing.T) {
	require.True(t, ValidIdentity(testIdentity))
	require.False(t, ValidIdentity(strings.Repeat("A", 59)))
	require.False(t, ValidIdentity(strings.Repeat("a", 60)))
	require.True(t, ValidSeed(strings.Repeat("q", 55)))
	require.False(t, ValidSeed(strings.Repeat("Q", 55)))
}
