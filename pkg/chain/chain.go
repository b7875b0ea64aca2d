// Package chain provides a round-robin pool of JSON-RPC endpoints shared by
// Scanner and TxPool, rotating to the next provider on timeout or error.
package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pozk-network/miner-orchestrator/internal/errs"
	"github.com/pozk-network/miner-orchestrator/internal/logx"
)

// ReadTimeout bounds every RPC call issued through Pool.
const ReadTimeout = 10 * time.Second

// Pool round-robins a fixed list of RPC endpoints.
type Pool struct {
	mu        sync.Mutex
	clients   []*ethclient.Client
	endpoints []string
	cursor    int
}

// Dial connects to every endpoint eagerly; an empty endpoint list is a
// config error, and a failed dial of any one endpoint is a chain error.
func Dial(endpoints []string) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: no chain endpoints configured", errs.ErrConfig)
	}

	p := &Pool{endpoints: endpoints}
	for _, ep := range endpoints {
		c, err := ethclient.Dial(ep)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", errs.ErrChain, ep, err)
		}
		p.clients = append(p.clients, c)
	}
	return p, nil
}

// Current returns the client currently in rotation.
func (p *Pool) Current() *ethclient.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[p.cursor]
}

// Rotate advances to the next endpoint in the ring, logging the switch.
func (p *Pool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = (p.cursor + 1) % len(p.clients)
	logx.WithComponent("chain").Warn().
		Str("endpoint", p.endpoints[p.cursor]).
		Msg("rotated to next RPC provider")
}

// WithTimeout wraps ctx with Pool's shared read timeout.
func WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, ReadTimeout)
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
}
