// Package scanner tails the chain for CreateTask, AcceptTask, and
// ApproveProver events over a moving window, persists a cursor, and emits
// domain messages to Orchestrator exactly once per cursor advance.
package scanner

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pozk-network/miner-orchestrator/internal/chainabi"
	"github.com/pozk-network/miner-orchestrator/internal/logx"
	"github.com/pozk-network/miner-orchestrator/pkg/chain"
	"github.com/pozk-network/miner-orchestrator/pkg/metrics"
	"github.com/pozk-network/miner-orchestrator/pkg/store"
)

// Event is the tagged variant Scanner emits, decoded by event signature
// hash rather than dynamic dispatch on contract type.
type Event struct {
	CreateTask    *CreateTaskEvent
	AcceptTask    *AcceptTaskEvent
	ApproveProver *ApproveProverEvent
}

type CreateTaskEvent struct {
	ID      uint64
	Prover  common.Address
	Inputs  []byte
	Publics []byte
}

type AcceptTaskEvent struct {
	ID       uint64
	Miner    common.Address
	Overtime uint64
	IsMe     bool
}

type ApproveProverEvent struct {
	Prover   common.Address
	Version  uint64
	Overtime uint64
}

// Config controls the scan window and contract addresses watched.
type Config struct {
	TaskAddress   common.Address
	ProverAddress common.Address
	// Delay is the number of blocks behind head to read, to tolerate reorgs.
	Delay uint64
	// Step is the maximum blocks per batch.
	Step uint64
	// From is the initial lower bound; if zero, start near head.
	From uint64
	// Self is this miner's address, used to compute AcceptTaskEvent.IsMe.
	Self common.Address
}

// Scanner reads chain logs and pushes decoded events to Out.
type Scanner struct {
	pool  *chain.Pool
	store store.Store
	cfg   Config
	abi   *chainabi.Contracts

	createTaskTopic    common.Hash
	acceptTaskTopic    common.Hash
	approveProverTopic common.Hash

	Out chan Event
}

// New builds a Scanner bound to pool, persisting cursor progress to st.
func New(pool *chain.Pool, st store.Store, cfg Config, contracts *chainabi.Contracts) *Scanner {
	ct, at, ap := contracts.EventTopics()
	return &Scanner{
		pool:               pool,
		store:              st,
		cfg:                cfg,
		abi:                contracts,
		createTaskTopic:    ct,
		acceptTaskTopic:    at,
		approveProverTopic: ap,
		Out:                make(chan Event, 256),
	}
}

// Run loops reading batches until ctx is canceled.
func (s *Scanner) Run(ctx context.Context) error {
	log := logx.WithComponent("scanner")

	cursor, err := s.initialCursor(ctx)
	if err != nil {
		return err
	}
	log.Info().Uint64("cursor", cursor).Msg("scanner starting")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		readCtx, cancel := chain.WithTimeout(ctx)
		head, err := s.pool.Current().BlockNumber(readCtx)
		cancel()
		if err != nil {
			metrics.ScanBatchesTotal.WithLabelValues("rpc_error").Inc()
			log.Warn().Err(err).Msg("read head, rotating provider")
			s.pool.Rotate()
			s.sleep(ctx, 2*time.Second)
			continue
		}

		target := head - s.cfg.Delay
		if cursor+s.cfg.Step >= target {
			s.sleep(ctx, 2*time.Second)
			continue
		}

		from := cursor + 1
		to := cursor + s.cfg.Step
		if to > target {
			to = target
		}

		if err := s.scanRange(ctx, from, to); err != nil {
			metrics.ScanBatchesTotal.WithLabelValues("rpc_error").Inc()
			log.Warn().Err(err).Uint64("from", from).Uint64("to", to).Msg("scan batch failed, rotating provider")
			s.pool.Rotate()
			continue
		}

		cursor = to
		if err := s.store.SetScanCursor(cursor); err != nil {
			log.Error().Err(err).Msg("persist scan cursor")
		}
		metrics.ScanCursorHeight.Set(float64(cursor))
		metrics.ScanBatchesTotal.WithLabelValues("ok").Inc()
	}
}

func (s *Scanner) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// initialCursor picks max(From, ScanCursor in Store, head-2*Step) and
// subtracts one to avoid an off-by-one on the first batch.
func (s *Scanner) initialCursor(ctx context.Context) (uint64, error) {
	readCtx, cancel := chain.WithTimeout(ctx)
	defer cancel()

	head, err := s.pool.Current().BlockNumber(readCtx)
	if err != nil {
		return 0, fmt.Errorf("read initial head: %w", err)
	}

	saved, err := s.store.GetScanCursor()
	if err != nil {
		return 0, fmt.Errorf("read saved scan cursor: %w", err)
	}

	start := s.cfg.From
	if saved.Height > start {
		start = saved.Height
	}
	fallback := uint64(0)
	if head > 2*s.cfg.Step {
		fallback = head - 2*s.cfg.Step
	}
	if fallback > start {
		start = fallback
	}
	if start > 0 {
		start--
	}
	return start, nil
}

// scanRange fetches and decodes logs in [from, to], emitting domain events
// in the strict block order they appear on chain.
func (s *Scanner) scanRange(ctx context.Context, from, to uint64) error {
	readCtx, cancel := chain.WithTimeout(ctx)
	defer cancel()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.cfg.TaskAddress, s.cfg.ProverAddress},
		Topics:    [][]common.Hash{{s.createTaskTopic, s.acceptTaskTopic, s.approveProverTopic}},
	}

	logs, err := s.pool.Current().FilterLogs(readCtx, query)
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	for _, lg := range logs {
		event, err := s.decode(lg)
		if err != nil {
			logx.WithComponent("scanner").Warn().Err(err).Msg("decode log, skipping")
			continue
		}
		if event == nil {
			continue
		}
		select {
		case s.Out <- *event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scanner) decode(lg types.Log) (*Event, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}

	switch lg.Topics[0] {
	case s.createTaskTopic:
		var decoded struct {
			Inputs  []byte
			Publics []byte
		}
		if err := s.abi.Task.UnpackIntoInterface(&decoded, "CreateTask", lg.Data); err != nil {
			return nil, fmt.Errorf("unpack CreateTask: %w", err)
		}
		return &Event{CreateTask: &CreateTaskEvent{
			ID:      new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64(),
			Prover:  common.BytesToAddress(lg.Topics[2].Bytes()),
			Inputs:  decoded.Inputs,
			Publics: decoded.Publics,
		}}, nil

	case s.acceptTaskTopic:
		var decoded struct {
			Overtime *big.Int
		}
		if err := s.abi.Task.UnpackIntoInterface(&decoded, "AcceptTask", lg.Data); err != nil {
			return nil, fmt.Errorf("unpack AcceptTask: %w", err)
		}
		miner := common.BytesToAddress(lg.Topics[2].Bytes())
		return &Event{AcceptTask: &AcceptTaskEvent{
			ID:       new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64(),
			Miner:    miner,
			Overtime: decoded.Overtime.Uint64(),
			IsMe:     miner == s.cfg.Self,
		}}, nil

	case s.approveProverTopic:
		var decoded struct {
			Version  *big.Int
			Overtime *big.Int
		}
		if err := s.abi.Prover.UnpackIntoInterface(&decoded, "ApproveProver", lg.Data); err != nil {
			return nil, fmt.Errorf("unpack ApproveProver: %w", err)
		}
		return &Event{ApproveProver: &ApproveProverEvent{
			Prover:   common.BytesToAddress(lg.Topics[1].Bytes()),
			Version:  decoded.Version.Uint64(),
			Overtime: decoded.Overtime.Uint64(),
		}}, nil
	}

	return nil, nil
}
