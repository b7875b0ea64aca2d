package main

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pozk-network/miner-orchestrator/internal/chainabi"
	"github.com/pozk-network/miner-orchestrator/internal/config"
	"github.com/pozk-network/miner-orchestrator/internal/errs"
	"github.com/pozk-network/miner-orchestrator/internal/logx"
	"github.com/pozk-network/miner-orchestrator/pkg/api"
	"github.com/pozk-network/miner-orchestrator/pkg/chain"
	"github.com/pozk-network/miner-orchestrator/pkg/containerhost"
	"github.com/pozk-network/miner-orchestrator/pkg/events"
	"github.com/pozk-network/miner-orchestrator/pkg/orchestrator"
	"github.com/pozk-network/miner-orchestrator/pkg/scanner"
	"github.com/pozk-network/miner-orchestrator/pkg/store"
	"github.com/pozk-network/miner-orchestrator/pkg/telemetry"
	"github.com/pozk-network/miner-orchestrator/pkg/txpool"
)

// node bundles every long-running component built from one Config, so main
// has a single construction step and a single shutdown step.
type node struct {
	cfg *config.Config

	pool  *chain.Pool
	store *store.BoltStore
	host  *containerhost.Containerd

	scanner     *scanner.Scanner
	txpool      *txpool.TxPool
	orch        *orchestrator.Orchestrator
	telem       *telemetry.Service
	broker      *events.Broker
	api         *api.Server
	httpAddr    string
	metricsAddr string
}

// newNode resolves the network's contract addresses, dials the chain, opens
// the store, and constructs every component without starting any of them.
func newNode(cfg *config.Config) (*node, error) {
	contracts, err := chainabi.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: load contract abis: %v", errs.ErrConfig, err)
	}

	taskAddr, _, err := config.ContractAddress(cfg.Network, "task")
	if err != nil {
		return nil, err
	}
	stakeAddr, _, err := config.ContractAddress(cfg.Network, "stake")
	if err != nil {
		return nil, err
	}
	proverAddr, proverStart, err := config.ContractAddress(cfg.Network, "prover")
	if err != nil {
		return nil, err
	}

	pool, err := chain.Dial(cfg.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("%w: dial chain endpoints: %v", errs.ErrChain, err)
	}

	st, err := store.NewBoltStore(store.Config{DataDir: cfg.BasePath})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: open store: %v", errs.ErrStorage, err)
	}

	host, err := containerhost.NewContainerd(cfg.ContainerdSocket)
	if err != nil {
		st.Close()
		pool.Close()
		return nil, fmt.Errorf("%w: connect to containerd: %v", errs.ErrContainer, err)
	}

	mainController, err := st.GetMainController()
	var controllerAddr common.Address
	if err == nil && mainController != nil {
		controllerAddr = mainController.Controller
	} else {
		controllerAddr = cfg.Controller
	}
	var signingKey *ecdsa.PrivateKey
	if rec, kerr := st.GetController(controllerAddr); kerr == nil && rec != nil {
		signingKey, err = crypto.ToECDSA(rec.PrivateKey[:])
		if err != nil {
			st.Close()
			host.Close()
			pool.Close()
			return nil, fmt.Errorf("%w: decode controller private key: %v", errs.ErrConfig, err)
		}
	}

	chainIDInt, err := config.ChainID(cfg.Network)
	if err != nil {
		st.Close()
		host.Close()
		pool.Close()
		return nil, err
	}
	chainID := big.NewInt(chainIDInt)

	from := cfg.ScanFrom
	if from == 0 {
		from = proverStart
	}

	sc := scanner.New(pool, st, scanner.Config{
		TaskAddress:   taskAddr,
		ProverAddress: proverAddr,
		Delay:         cfg.ScanDelay,
		Step:          cfg.ScanStep,
		From:          from,
		Self:          cfg.Miner,
	}, contracts)

	tp := txpool.New(pool, txpool.Config{
		ChainID:         chainID,
		TaskAddress:     taskAddr,
		StakeAddress:    stakeAddr,
		ZeroGasProxyURL: cfg.ZeroGasProxyURL,
	}, contracts, controllerAddr, signingKey)

	broker := events.NewBroker()

	telem := telemetry.New(telemetry.Config{
		Endpoint: cfg.TelemetryURL,
		Miner:    cfg.Miner,
		Interval: time.Duration(cfg.TelemetryInterval) * time.Second,
	}, host, st)

	orch := orchestrator.New(orchestrator.Config{
		BasePath:      cfg.BasePath,
		ParallelCap:   cfg.ParallelCap,
		ZKVMTag:       cfg.ZKVMTag,
		MinerURLValid: cfg.MinerURL != "",
		MinerAddress:  cfg.Miner,
	}, st, host, tp, telem, broker)

	apiSrv := api.New(api.Config{
		ChainID:             chainID,
		JWTSecret:           cfg.JWTSecret,
		ProxyTimeout:        60 * time.Second,
		BasePath:            cfg.BasePath,
		MinerAddress:        cfg.Miner,
		AllowedLoginDomains: cfg.AllowedLoginDomains,
	}, st, orch, broker)

	return &node{
		cfg:         cfg,
		pool:        pool,
		store:       st,
		host:        host,
		scanner:     sc,
		txpool:      tp,
		orch:        orch,
		telem:       telem,
		broker:      broker,
		api:         apiSrv,
		httpAddr:    cfg.HTTPAddr,
		metricsAddr: cfg.MetricsAddr,
	}, nil
}

// Run starts every component and blocks until ctx is canceled, forwarding
// Scanner's decoded events into Orchestrator's command channel.
func (n *node) Run(ctx context.Context) error {
	log := logx.WithComponent("node")

	n.broker.Start()

	errCh := make(chan error, 1)

	go n.txpool.Run(ctx)
	go n.orch.Run(ctx)
	go n.telem.Run(ctx)
	go n.forwardEvents(ctx)

	go func() {
		if err := n.scanner.Run(ctx); err != nil {
			log.Error().Err(err).Msg("scanner stopped")
			errCh <- err
		}
	}()

	go func() {
		if err := n.api.Run(n.httpAddr); err != nil {
			log.Error().Err(err).Msg("admin http server stopped")
			errCh <- err
		}
	}()

	log.Info().Str("base_path", n.cfg.BasePath).Str("network", n.cfg.Network).Msg("node started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// forwardEvents translates Scanner's chain events into Orchestrator
// commands, the only place the two vocabularies meet.
func (n *node) forwardEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.scanner.Out:
			switch {
			case ev.CreateTask != nil:
				n.orch.Send(orchestrator.Command{CreateTask: &orchestrator.CreateTaskCmd{
					TaskID: ev.CreateTask.ID, Prover: ev.CreateTask.Prover,
					Inputs: ev.CreateTask.Inputs, Publics: ev.CreateTask.Publics,
				}})
			case ev.AcceptTask != nil:
				n.orch.Send(orchestrator.Command{AcceptTask: &orchestrator.AcceptTaskCmd{
					TaskID: ev.AcceptTask.ID, Overtime: ev.AcceptTask.Overtime, IsMe: ev.AcceptTask.IsMe,
				}})
			case ev.ApproveProver != nil:
				n.orch.Send(orchestrator.Command{ApproveProver: &orchestrator.ApproveProverCmd{
					Prover: ev.ApproveProver.Prover, Version: ev.ApproveProver.Version,
					Overtime: ev.ApproveProver.Overtime,
				}})
			}
		}
	}
}

// Close releases every resource acquired by newNode, in reverse order.
func (n *node) Close() {
	n.broker.Stop()
	_ = n.host.Close()
	_ = n.store.Close()
	n.pool.Close()
}
