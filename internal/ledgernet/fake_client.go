package ledgernet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// FakeClient is a deterministic in-memory network for tests and local runs.
// Unscripted transfers gain one confirmation per status query.
type FakeClient struct {
	mu sync.Mutex

	balances  map[string]int64
	transfers map[string]*fakeTransfer
	order     []string
	scripts   map[string][]Status
	tick      uint64

	failBalance   int
	failBroadcast int
	failStatus    int
	pingErr       error

	balanceCalls   int
	broadcastCalls int
	statusCalls    int
}

type fakeTransfer struct {
	transfer      Transfer
	confirmations int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		balances:  make(map[string]int64),
		transfers: make(map[string]*fakeTransfer),
		scripts:   make(map[string][]Status),
		tick:      1000,
	}
}

func (f *FakeClient) SetBalance(identity string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[identity] = amount
}

// FailBalance makes the next n GetBalance calls fail with ErrNetwork.
func (f *FakeClient) FailBalance(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failBalance = n
}

// FailBroadcast makes the next n Broadcast calls fail with ErrBroadcast.
func (f *FakeClient) FailBroadcast(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failBroadcast = n
}

// FailStatus makes the next n GetStatus calls fail with ErrNetwork.
func (f *FakeClient) FailStatus(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus = n
}

// Script queues the statuses returned for externalID. The last one repeats.
func (f *FakeClient) Script(externalID string, statuses ...Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[externalID] = append(f.scripts[externalID], statuses...)
}

// ScriptAll applies statuses to every transfer broadcast from now on.
func (f *FakeClient) ScriptAll(statuses ...Status) {
	f.Script("*", statuses...)
}

func (f *FakeClient) SetPingError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *FakeClient) AdvanceTick(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tick += n
}

// Transfers returns broadcast transfers in submission order.
func (f *FakeClient) Transfers() []Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Transfer, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.transfers[id].transfer)
	}
	return out
}

func (f *FakeClient) BalanceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceCalls
}

func (f *FakeClient) BroadcastCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcastCalls
}

func (f *FakeClient) StatusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *FakeClient) GetBalance(_ context.Context, identity string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	if f.failBalance > 0 {
		f.failBalance--
		return 0, fmt.Errorf("%w: injected balance failure", ErrNetwork)
	}
	return f.balances[identity], nil
}

func (f *FakeClient) Broadcast(_ context.Context, tx SignedTransfer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcastCalls++
	if f.failBroadcast > 0 {
		f.failBroadcast--
		return "", fmt.Errorf("%w: injected broadcast failure", ErrBroadcast)
	}
	if len(tx.Payload) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrBroadcast)
	}
	sum := sha256.Sum256(tx.Payload)
	id := hex.EncodeToString(sum[:])
	if _, seen := f.transfers[id]; seen {
		return id, nil
	}
	transfer := tx.Transfer
	var decoded Transfer
	if err := json.Unmarshal(tx.Payload, &decoded); err == nil && decoded.To != "" {
		transfer = decoded
	}
	f.transfers[id] = &fakeTransfer{transfer: transfer}
	f.order = append(f.order, id)
	if all, ok := f.scripts["*"]; ok {
		if _, own := f.scripts[id]; !own {
			f.scripts[id] = append([]Status(nil), all...)
		}
	}
	f.balances[transfer.From] -= transfer.Amount
	f.balances[transfer.To] += transfer.Amount
	return id, nil
}

func (f *FakeClient) GetStatus(_ context.Context, externalID string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.failStatus > 0 {
		f.failStatus--
		return Status{}, fmt.Errorf("%w: injected status failure", ErrNetwork)
	}
	if script := f.scripts[externalID]; len(script) > 0 {
		next := script[0]
		if len(script) > 1 {
			f.scripts[externalID] = script[1:]
		}
		return next, nil
	}
	t, ok := f.transfers[externalID]
	if !ok {
		return Status{State: StatePending}, nil
	}
	t.confirmations++
	return Status{State: StateConfirmed, Confirmations: t.confirmations}, nil
}

func (f *FakeClient) GetTick(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tick, nil
}

func (f *FakeClient) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

// FakeSigner encodes transfers as JSON. Its payloads are only understood by FakeClient.
type FakeSigner struct{}

func (FakeSigner) Sign(_ context.Context, t Transfer) (SignedTransfer, error) {
	if t.To == "" {
		return SignedTransfer{}, fmt.Errorf("missing destination")
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("encode transfer: %w", err)
	}
	return SignedTransfer{Transfer: t, Payload: raw}, nil
}
