package txpool

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/pozk-network/miner-orchestrator/internal/chainabi"
)

func newTestTxPool(t *testing.T, proxyURL string) *TxPool {
	t.Helper()
	contracts, err := chainabi.Load()
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	cfg := Config{
		ChainID:         big.NewInt(1337),
		TaskAddress:     common.HexToAddress("0x01"),
		StakeAddress:    common.HexToAddress("0x02"),
		ZeroGasProxyURL: proxyURL,
	}
	return New(nil, cfg, contracts, addr, key)
}

func TestEncodeAcceptTask(t *testing.T) {
	p := newTestTxPool(t, "")
	data, to, err := p.encode(Intent{Kind: IntentAcceptTask, TaskID: 5})
	require.NoError(t, err)
	require.Equal(t, p.cfg.TaskAddress, to)

	method, err := p.abi.Task.MethodById(data[:4])
	require.NoError(t, err)
	require.Equal(t, "accept", method.Name)
}

func TestEncodeSubmitTask(t *testing.T) {
	p := newTestTxPool(t, "")
	data, to, err := p.encode(Intent{Kind: IntentSubmitTask, TaskID: 5, Proof: []byte("proof")})
	require.NoError(t, err)
	require.Equal(t, p.cfg.TaskAddress, to)

	method, err := p.abi.Task.MethodById(data[:4])
	require.NoError(t, err)
	require.Equal(t, "submit", method.Name)
}

func TestEncodeSubmitMinerTest(t *testing.T) {
	p := newTestTxPool(t, "")
	data, to, err := p.encode(Intent{Kind: IntentSubmitMinerTest, TaskID: 5, Success: true, Proof: []byte("proof")})
	require.NoError(t, err)
	require.Equal(t, p.cfg.StakeAddress, to)

	method, err := p.abi.Stake.MethodById(data[:4])
	require.NoError(t, err)
	require.Equal(t, "minerTestSubmit", method.Name)
}

func TestEncodeUnknownKind(t *testing.T) {
	p := newTestTxPool(t, "")
	_, _, err := p.encode(Intent{Kind: IntentChangeController})
	require.Error(t, err)
}

func TestHandleChangeControllerRotatesSigner(t *testing.T) {
	p := newTestTxPool(t, "")
	newKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	newAddr := crypto.PubkeyToAddress(newKey.PublicKey)

	p.handle(context.Background(), Intent{Kind: IntentChangeController, NewController: newAddr, NewPrivateKey: newKey})
	require.Equal(t, newAddr, p.currentAddress())
}

func TestSendViaProxyPostsSignedPayload(t *testing.T) {
	var received zeroGasPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestTxPool(t, srv.URL)
	data, to, err := p.encode(Intent{Kind: IntentAcceptTask, TaskID: 1})
	require.NoError(t, err)

	err = p.sendViaProxy(context.Background(), p.currentAddress(), to, data, p.privateKey)
	require.NoError(t, err)
	require.Equal(t, p.currentAddress().Hex(), received.Wallet)
	require.Equal(t, to.Hex(), received.To)
}

func TestSendViaProxyPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestTxPool(t, srv.URL)
	data, to, err := p.encode(Intent{Kind: IntentAcceptTask, TaskID: 1})
	require.NoError(t, err)

	err = p.sendViaProxy(context.Background(), p.currentAddress(), to, data, p.privateKey)
	require.Error(t, err)
}
