package ledgernet

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/require"
)

func TestEthBridgeTransferLifecycle(t *testing.T) {
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	platform := crypto.PubkeyToAddress(key.PublicKey)

	backend := simulated.NewBackend(types.GenesisAlloc{
		platform: {Balance: new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1_000_000_000))},
	})
	t.Cleanup(func() { _ = backend.Close() })
	rpc := backend.Client()

	providerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	provider := strings.Repeat("P", 60)
	book, err := NewAddressBook(map[string]string{
		provider: crypto.PubkeyToAddress(providerKey.PublicKey).Hex(),
	})
	require.NoError(t, err)

	client := NewEthClient(rpc, book)
	signer, err := NewEthSigner(rpc, book, hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)
	require.Equal(t, platform, signer.Address())

	require.NoError(t, client.Ping(ctx))
	startTick, err := client.GetTick(ctx)
	require.NoError(t, err)

	signed, err := signer.Sign(ctx, Transfer{From: platform.Hex(), To: provider, Amount: 5, Tick: startTick + 5})
	require.NoError(t, err)
	id, err := client.Broadcast(ctx, signed)
	require.NoError(t, err)

	st, err := client.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatePending, st.State)

	backend.Commit()
	st, err = client.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, Status{State: StateConfirmed, Confirmations: 1}, st)

	backend.Commit()
	backend.Commit()
	st, err = client.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 3, st.Confirmations)

	bal, err := client.GetBalance(ctx, provider)
	require.NoError(t, err)
	require.EqualValues(t, 5, bal)
}

func TestEthClientRejectsUnknownIdentity(t *testing.T) {
	client := NewEthClient(nil, nil)
	_, err := client.GetBalance(context.Background(), strings.Repeat("Z", 60))
	require.Error(t, err)
}

func TestEthBroadcastRejectsGarbage(t *testing.T) {
	client := NewEthClient(nil, nil)
	_, err := client.Broadcast(context.Background(), SignedTransfer{Payload: []byte{0x01, 0x02}})
	require.ErrorIs(t, err, ErrBroadcast)
}
