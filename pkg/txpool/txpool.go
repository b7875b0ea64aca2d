// Package txpool serializes all on-chain writes from one signing key:
// nonce assignment, gas pricing, signing, sending, and an optional
// zero-gas proxy bypass.
package txpool

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pozk-network/miner-orchestrator/internal/chainabi"
	"github.com/pozk-network/miner-orchestrator/internal/errs"
	"github.com/pozk-network/miner-orchestrator/internal/logx"
	"github.com/pozk-network/miner-orchestrator/pkg/chain"
	"github.com/pozk-network/miner-orchestrator/pkg/metrics"
)

// IntentKind discriminates the four submission kinds TxPool accepts.
// ChangeController is a control message, not a submission: it rotates the
// signer in place rather than hitting the chain.
type IntentKind string

const (
	IntentAcceptTask       IntentKind = "accept_task"
	IntentSubmitTask       IntentKind = "submit_task"
	IntentSubmitMinerTest  IntentKind = "submit_miner_test"
	IntentChangeController IntentKind = "change_controller"
)

// fixedGasPrice is the fallback price (1 gwei) used when the RPC gas-price
// oracle call fails.
var fixedGasPrice = big.NewInt(1_000_000_000)

// extraGasBps inflates the fetched gas price by 10% to improve inclusion odds.
const extraGasBps = 110

const (
	sendRetries  = 3
	sendInterval = 5 * time.Second
)

// Intent is one queued submission or control message.
type Intent struct {
	Kind IntentKind

	TaskID   uint64
	Proof    []byte
	Success  bool // result flag for SubmitMinerTest's `success` argument

	// ChangeController fields.
	NewController common.Address
	NewPrivateKey *ecdsa.PrivateKey
}

// Config wires TxPool to the chain and to contract addresses.
type Config struct {
	ChainID      *big.Int
	TaskAddress  common.Address
	StakeAddress common.Address
	// ZeroGasProxyURL, if set, bypasses direct RPC submission for every
	// intent: the signed call is re-encoded and POSTed there instead.
	ZeroGasProxyURL string
}

// TxPool consumes an Intent channel and submits to the chain in receive
// order, serialized behind one signing key at a time.
type TxPool struct {
	pool *chain.Pool
	cfg  Config
	abi  *chainabi.Contracts

	mu         sync.Mutex
	address    common.Address
	privateKey *ecdsa.PrivateKey

	intents chan Intent
	done    chan struct{}
}

// New builds a TxPool bound to pool and signed initially by controller.
func New(pool *chain.Pool, cfg Config, contracts *chainabi.Contracts, controller common.Address, key *ecdsa.PrivateKey) *TxPool {
	return &TxPool{
		pool:       pool,
		cfg:        cfg,
		abi:        contracts,
		address:    controller,
		privateKey: key,
		intents:    make(chan Intent, 256),
		done:       make(chan struct{}),
	}
}

// Send enqueues an intent for processing in receive order.
func (p *TxPool) Send(in Intent) {
	select {
	case p.intents <- in:
	case <-p.done:
	}
}

// Run processes intents until ctx is canceled.
func (p *TxPool) Run(ctx context.Context) {
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-p.intents:
			p.handle(ctx, in)
		}
	}
}

// handle dispatches one intent. ChangeController rotates the signer in
// place; submission kinds encode, sign, and send under the signer that was
// active at receive time — intents already in flight finish under the
// prior signer, matching spec's controller-rotation ordering guarantee.
func (p *TxPool) handle(ctx context.Context, in Intent) {
	log := logx.WithComponent("txpool")

	if in.Kind == IntentChangeController {
		p.mu.Lock()
		p.address = in.NewController
		p.privateKey = in.NewPrivateKey
		p.mu.Unlock()
		log.Info().Str("controller", in.NewController.Hex()).Msg("controller rotated")
		return
	}

	p.mu.Lock()
	signer := p.privateKey
	from := p.address
	p.mu.Unlock()

	timer := metrics.NewTimer()
	data, to, err := p.encode(in)
	if err != nil {
		metrics.TxSubmissionsTotal.WithLabelValues(string(in.Kind), "dropped").Inc()
		log.Error().Err(err).Str("kind", string(in.Kind)).Msg("encode intent")
		return
	}

	if p.cfg.ZeroGasProxyURL != "" {
		if err := p.sendViaProxy(ctx, from, to, data, signer); err != nil {
			metrics.TxSubmissionsTotal.WithLabelValues(string(in.Kind), "dropped").Inc()
			log.Error().Err(err).Str("kind", string(in.Kind)).Msg("zero-gas proxy submit")
		} else {
			metrics.TxSubmissionsTotal.WithLabelValues(string(in.Kind), "sent").Inc()
		}
		metrics.TxSendDuration.WithLabelValues(string(in.Kind)).Observe(timer.Duration().Seconds())
		return
	}

	outcome, err := p.sendDirect(ctx, from, to, data, signer)
	if err != nil {
		log.Error().Err(err).Str("kind", string(in.Kind)).Msg("send transaction")
	}
	metrics.TxSubmissionsTotal.WithLabelValues(string(in.Kind), outcome).Inc()
	metrics.TxSendDuration.WithLabelValues(string(in.Kind)).Observe(timer.Duration().Seconds())
}

// encode ABI-packs the call data for in, returning the destination contract.
func (p *TxPool) encode(in Intent) ([]byte, common.Address, error) {
	switch in.Kind {
	case IntentAcceptTask:
		data, err := p.abi.Task.Pack("accept", new(big.Int).SetUint64(in.TaskID), p.currentAddress())
		return data, p.cfg.TaskAddress, err
	case IntentSubmitTask:
		data, err := p.abi.Task.Pack("submit", new(big.Int).SetUint64(in.TaskID), in.Proof)
		return data, p.cfg.TaskAddress, err
	case IntentSubmitMinerTest:
		data, err := p.abi.Stake.Pack("minerTestSubmit", new(big.Int).SetUint64(in.TaskID), in.Success, in.Proof)
		return data, p.cfg.StakeAddress, err
	default:
		return nil, common.Address{}, fmt.Errorf("%w: unknown intent kind %s", errs.ErrInternal, in.Kind)
	}
}

func (p *TxPool) currentAddress() common.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address
}

// gasPrice fetches the current suggested price, falling back to a fixed 1
// gwei price on RPC failure, then inflates by extraGasBps.
func (p *TxPool) gasPrice(ctx context.Context) *big.Int {
	readCtx, cancel := chain.WithTimeout(ctx)
	defer cancel()

	price, err := p.pool.Current().SuggestGasPrice(readCtx)
	if err != nil {
		price = fixedGasPrice
	}
	return new(big.Int).Div(new(big.Int).Mul(price, big.NewInt(extraGasBps)), big.NewInt(100))
}

// sendDirect signs and sends a legacy transaction, making up to sendRetries
// send attempts in all, sendInterval apart, rotating provider after each
// failure. Returns the outcome label for metrics: "sent", "soft_failure"
// (receipt status not successful), or "dropped".
func (p *TxPool) sendDirect(ctx context.Context, from, to common.Address, data []byte, key *ecdsa.PrivateKey) (string, error) {
	readCtx, cancel := chain.WithTimeout(ctx)
	defer cancel()

	nonce, err := p.pool.Current().PendingNonceAt(readCtx, from)
	if err != nil {
		p.pool.Rotate()
		return "dropped", fmt.Errorf("%w: fetch nonce: %v", errs.ErrChain, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      500_000,
		GasPrice: p.gasPrice(ctx),
		Data:     data,
	})

	signer := types.NewEIP155Signer(p.cfg.ChainID)
	signedTx, err := types.SignTx(tx, signer, key)
	if err != nil {
		return "dropped", fmt.Errorf("%w: sign tx: %v", errs.ErrChain, err)
	}

	var sendErr error
	for attempt := 0; attempt < sendRetries; attempt++ {
		sendCtx, cancel := chain.WithTimeout(ctx)
		sendErr = p.pool.Current().SendTransaction(sendCtx, signedTx)
		cancel()
		if sendErr == nil {
			break
		}
		p.pool.Rotate()
		select {
		case <-ctx.Done():
			return "dropped", ctx.Err()
		case <-time.After(sendInterval):
		}
	}
	if sendErr != nil {
		return "dropped", fmt.Errorf("%w: send tx after retries: %v", errs.ErrChain, sendErr)
	}

	receiptCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	receipt, err := waitReceipt(receiptCtx, p.pool.Current(), signedTx.Hash())
	if err != nil {
		return "dropped", fmt.Errorf("%w: wait receipt: %v", errs.ErrChain, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "soft_failure", nil
	}
	return "sent", nil
}

func waitReceipt(ctx context.Context, client interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// zeroGasPayload is the wire shape POSTed to the zero-gas proxy.
type zeroGasPayload struct {
	Wallet string `json:"wallet"`
	To     string `json:"to"`
	Data   string `json:"data"`
	Value  string `json:"value"`
	V      string `json:"v"`
	R      string `json:"r"`
	S      string `json:"s"`
	Owner  string `json:"owner"`
}

// sendViaProxy signs the intent's call data as a raw message (rather than a
// full transaction) and POSTs it to the configured proxy, using
// crypto.Sign over the keccak256 hash of the packed call data.
func (p *TxPool) sendViaProxy(ctx context.Context, from, to common.Address, data []byte, key *ecdsa.PrivateKey) error {
	hash := crypto.Keccak256(data)
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return fmt.Errorf("%w: sign proxy payload: %v", errs.ErrChain, err)
	}

	payload := zeroGasPayload{
		Wallet: from.Hex(),
		To:     to.Hex(),
		Data:   hexutil.Encode(data),
		Value:  "0x0",
		V:      hexutil.EncodeUint64(uint64(sig[64]) + 27),
		R:      hexutil.Encode(sig[:32]),
		S:      hexutil.Encode(sig[32:64]),
		Owner:  from.Hex(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal proxy payload: %v", errs.ErrChain, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.ZeroGasProxyURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post to proxy: %v", errs.ErrChain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: proxy returned status %d", errs.ErrChain, resp.StatusCode)
	}
	return nil
}
