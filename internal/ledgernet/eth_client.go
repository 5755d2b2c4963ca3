package ledgernet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// WeiPerUnit scales one smallest unit to wei on the EVM bridge (1 unit = 1 gwei).
var WeiPerUnit = big.NewInt(1_000_000_000)

// EthBackend is the subset of an EVM RPC client the bridge needs. Both
// *ethclient.Client and the simulated backend client satisfy it.
type EthBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// AddressBook maps network identities onto EVM accounts.
type AddressBook struct {
	mu    sync.RWMutex
	addrs map[string]common.Address
}

func NewAddressBook(entries map[string]string) (*AddressBook, error) {
	b := &AddressBook{addrs: make(map[string]common.Address, len(entries))}
	for id, hex := range entries {
		if err := b.Add(id, hex); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *AddressBook) Add(identity, hexAddr string) error {
	if !common.IsHexAddress(hexAddr) {
		return fmt.Errorf("invalid address %q for %s", hexAddr, identity)
	}
	b.mu.Lock()
	b.addrs[identity] = common.HexToAddress(hexAddr)
	b.mu.Unlock()
	return nil
}

// Resolve returns the account for identity. Hex addresses resolve to themselves.
func (b *AddressBook) Resolve(identity string) (common.Address, error) {
	if common.IsHexAddress(identity) {
		return common.HexToAddress(identity), nil
	}
	b.mu.RLock()
	addr, ok := b.addrs[identity]
	b.mu.RUnlock()
	if !ok {
		return common.Address{}, fmt.Errorf("no bridge address for identity %s", identity)
	}
	return addr, nil
}

// EthClient serves the Client contract from an EVM chain. Ticks are block numbers.
type EthClient struct {
	backend EthBackend
	book    *AddressBook
}

func NewEthClient(backend EthBackend, book *AddressBook) *EthClient {
	if book == nil {
		book = &AddressBook{addrs: map[string]common.Address{}}
	}
	return &EthClient{backend: backend, book: book}
}

// DialEthClient connects to an EVM RPC endpoint.
func DialEthClient(ctx context.Context, rpcURL string, book *AddressBook) (*EthClient, *ethclient.Client, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewEthClient(cli, book), cli, nil
}

func (c *EthClient) GetBalance(ctx context.Context, identity string) (int64, error) {
	addr, err := c.book.Resolve(identity)
	if err != nil {
		return 0, err
	}
	wei, err := c.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: balance: %w", ErrNetwork, err)
	}
	units := new(big.Int).Quo(wei, WeiPerUnit)
	if !units.IsInt64() {
		return 0, fmt.Errorf("%w: balance %s overflows", ErrNetwork, wei)
	}
	return units.Int64(), nil
}

func (c *EthClient) Broadcast(ctx context.Context, signed SignedTransfer) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.Payload); err != nil {
		return "", fmt.Errorf("%w: decode payload: %w", ErrBroadcast, err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("%w: send: %w", ErrBroadcast, err)
	}
	return tx.Hash().Hex(), nil
}

func (c *EthClient) GetStatus(ctx context.Context, externalID string) (Status, error) {
	if !strings.HasPrefix(externalID, "0x") || len(externalID) != 66 {
		return Status{}, fmt.Errorf("invalid tx hash %q", externalID)
	}
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(externalID))
	if errors.Is(err, ethereum.NotFound) {
		return Status{State: StatePending}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("%w: receipt: %w", ErrNetwork, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return Status{State: StateFailed}, nil
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("%w: block number: %w", ErrNetwork, err)
	}
	mined := receipt.BlockNumber.Uint64()
	confirmations := 0
	if head >= mined {
		confirmations = int(head-mined) + 1
	}
	return Status{State: StateConfirmed, Confirmations: confirmations}, nil
}

func (c *EthClient) GetTick(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %w", ErrNetwork, err)
	}
	return n, nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.backend == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.backend.BlockNumber(ctx)
	return err
}
