package ledgernet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const transferGas = 21_000

// EthSignerBackend is what the signer reads to price and sequence a transfer.
type EthSignerBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// EthSigner signs EIP-1559 value transfers from the platform key.
type EthSigner struct {
	backend EthSignerBackend
	book    *AddressBook
	key     *ecdsa.PrivateKey
	from    common.Address
}

func NewEthSigner(backend EthSignerBackend, book *AddressBook, privateKeyHex string) (*EthSigner, error) {
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if book == nil {
		book = &AddressBook{addrs: map[string]common.Address{}}
	}
	return &EthSigner{
		backend: backend,
		book:    book,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Address is the account transfers are sent from.
func (s *EthSigner) Address() common.Address { return s.from }

func (s *EthSigner) Sign(ctx context.Context, t Transfer) (SignedTransfer, error) {
	if t.Amount <= 0 {
		return SignedTransfer{}, fmt.Errorf("transfer amount must be positive")
	}
	to, err := s.book.Resolve(t.To)
	if err != nil {
		return SignedTransfer{}, err
	}

	chainID, err := s.backend.ChainID(ctx)
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("fetch chain id: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, chainID)
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("transactor: %w", err)
	}
	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	// A collision with a concurrent transfer fails at broadcast and is re-signed
	// on the next attempt with a fresh nonce.
	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("pending nonce: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       transferGas,
		To:        &to,
		Value:     new(big.Int).Mul(big.NewInt(t.Amount), WeiPerUnit),
	})
	signed, err := opts.Signer(opts.From, tx)
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("sign transfer: %w", err)
	}
	payload, err := signed.MarshalBinary()
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("encode transfer: %w", err)
	}
	return SignedTransfer{Transfer: t, Payload: payload}, nil
}
