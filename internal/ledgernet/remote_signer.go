package ledgernet

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
)

// RemoteSigner delegates signing to an external signing service that holds
// the platform seed. The service answers POST /v1/sign with the encoded
// transaction that the network gateway accepts for broadcast.
type RemoteSigner struct {
	client *HTTPClient
}

func NewRemoteSigner(cfg HTTPClientConfig) (*RemoteSigner, error) {
	c, err := NewHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	return &RemoteSigner{client: c}, nil
}

type signRequest struct {
	SourceIdentity      string `json:"sourceIdentity"`
	DestinationIdentity string `json:"destinationIdentity"`
	Amount              int64  `json:"amount"`
	Tick                uint64 `json:"tick"`
}

type signResponse struct {
	EncodedTransaction string `json:"encodedTransaction"`
}

func (s *RemoteSigner) Sign(ctx context.Context, t Transfer) (SignedTransfer, error) {
	if !ValidIdentity(t.From) || !ValidIdentity(t.To) {
		return SignedTransfer{}, fmt.Errorf("invalid transfer identities %q -> %q", t.From, t.To)
	}
	if t.Amount <= 0 {
		return SignedTransfer{}, fmt.Errorf("transfer amount must be positive, got %d", t.Amount)
	}
	var out signResponse
	if _, err := s.client.do(ctx, http.MethodPost, "/v1/sign", signRequest{
		SourceIdentity:      t.From,
		DestinationIdentity: t.To,
		Amount:              t.Amount,
		Tick:                t.Tick,
	}, &out); err != nil {
		return SignedTransfer{}, err
	}
	payload, err := base64.StdEncoding.DecodeString(out.EncodedTransaction)
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("%w: signer returned malformed transaction: %v", ErrNetwork, err)
	}
	if len(payload) == 0 {
		return SignedTransfer{}, fmt.Errorf("%w: signer returned an empty transaction", ErrNetwork)
	}
	return SignedTransfer{Transfer: t, Payload: payload}, nil
}

// Ping checks the signing service is reachable.
func (s *RemoteSigner) Ping(ctx context.Context) error {
	_, err := s.client.do(ctx, http.MethodGet, "/v1/status", nil, nil)
	return err
}
