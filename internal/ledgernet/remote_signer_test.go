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

func newTestRemoteSigner(t *testing.T, h http.Handler) *RemoteSigner {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s, err := NewRemoteSigner(HTTPClientConfig{BaseURL: srv.URL, BearerToken: "signer-token"})
	require.NoError(t, err)
	return s
}

func TestRemoteSignerSigns(t *testing.T) {
	to := strings.Repeat("B", 60)
	encoded := []byte{0x01, 0x02, 0x03}
	s := newTestRemoteSigner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/sign", r.URL.Path)
		require.Equal(t, "Bearer signer-token", r.Header.Get("Authorization"))
		var body signRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, signRequest{SourceIdentity: testIdentity, DestinationIdentity: to, Amount: 42, Tick: 1005}, body)
		_, _ = w.Write([]byte(`{"encodedTransaction":"` + base64.StdEncoding.EncodeToString(encoded) + `"}`))
	}))

	transfer := Transfer{From: testIdentity, To: to, Amount: 42, Tick: 1005}
	signed, err := s.Sign(context.Background(), transfer)
	require.NoError(t, err)
	require.Equal(t, transfer, signed.Transfer)
	require.Equal(t, encoded, signed.Payload)
}

func TestRemoteSignerErrors(t *testing.T) {
	to := strings.Repeat("B", 60)
	cases := map[string]http.HandlerFunc{
		"refused": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "key locked", http.StatusForbidden)
		},
		"empty": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"encodedTransaction":""}`))
		},
		"not base64": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"encodedTransaction":"%%%"}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			s := newTestRemoteSigner(t, h)
			_, err := s.Sign(context.Background(), Transfer{From: testIdentity, To: to, Amount: 1, Tick: 1})
			require.ErrorIs(t, err, ErrNetwork)
		})
	}

	calls := 0
	s := newTestRemoteSigner(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls++ }))
	_, err := s.Sign(context.Background(), Transfer{From: testIdentity, To: "short", Amount: 1})
	require.Error(t, err)
	_, err = s.Sign(context.Background(), Transfer{From: testIdentity, To: to, Amount: 0})
	require.Error(t, err)
	require.Zero(t, calls, "invalid transfers never reach the signer")
}
