// Package ledgernet is the only code that talks to the external ledger network.
package ledgernet

import (
	"context"
	"errors"
	"regexp"
)

var (
	// ErrNetwork means the network could not be reached or answered unusably.
	ErrNetwork = errors.New("ledger network unavailable")
	// ErrBroadcast means a signed transfer was not accepted for broadcast.
	ErrBroadcast = errors.New("broadcast failed")
)

type TransferState string

const (
	StatePending   TransferState = "pending"
	StateConfirmed TransferState = "confirmed"
	StateFailed    TransferState = "failed"
)

// Status is a point-in-time view of a submitted transfer.
type Status struct {
	State         TransferState `json:"status"`
	Confirmations int           `json:"confirmations"`
}

// Transfer moves Amount smallest units between two identities. Tick is the
// network horizon after which the transfer is no longer valid.
type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Tick   uint64 `json:"tick"`
}

// SignedTransfer carries the wire encoding produced by a Signer.
type SignedTransfer struct {
	Transfer
	Payload []byte
}

// Client abstracts the external ledger network.
type Client interface {
	GetBalance(ctx context.Context, identity string) (int64, error)
	Broadcast(ctx context.Context, tx SignedTransfer) (string, error)
	GetStatus(ctx context.Context, externalID string) (Status, error)
	GetTick(ctx context.Context) (uint64, error)
	Ping(ctx context.Context) error
}

// Signer turns a transfer into a broadcastable payload. Key custody lives behind it.
type Signer interface {
	Sign(ctx context.Context, t Transfer) (SignedTransfer, error)
}

var (
	identityPattern = regexp.MustCompile(`^[A-Z]{60}$`)
	seedPattern     = regexp.MustCompile(`^[a-z]{55}$`)
)

// ValidIdentity reports whether s is a 60 character uppercase network identity.
func ValidIdentity(s string) bool { return identityPattern.MatchString(s) }

// ValidSeed reports whether s is a 55 character lowercase seed.
func ValidSeed(s string) bool { return seedPattern.MatchString(s) }
