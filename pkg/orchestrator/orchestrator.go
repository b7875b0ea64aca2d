// Package orchestrator implements the central state machine: task
// admission, container execution, proof pairing, and controller rotation
// fan-out. It consumes Scanner events and HTTP commands over one channel
// and owns the transient in-memory views (waiting/pending/working/proxy)
// whose composition with Store is reconstructable on restart.
package orchestrator

import (
	"container/list"
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pozk-network/miner-orchestrator/pkg/containerhost"
	"github.com/pozk-network/miner-orchestrator/pkg/events"
	"github.com/pozk-network/miner-orchestrator/pkg/metrics"
	"github.com/pozk-network/miner-orchestrator/pkg/store"
	"github.com/pozk-network/miner-orchestrator/pkg/txpool"
	"github.com/pozk-network/miner-orchestrator/pkg/types"
)

// heartbeatInterval is the tick period for reclaiming overtime jobs.
const heartbeatInterval = 13 * time.Second

// txSender is the narrow interface Orchestrator needs from TxPool, kept
// local so tests can fake it without constructing a real chain client.
type txSender interface {
	Send(txpool.Intent)
}

// telemetryReporter receives non-blocking controller-rotation notices.
type telemetryReporter interface {
	ReportControllerChange(addr common.Address)
}

// waitingTask is what CreateTask records while awaiting an on-chain
// AcceptTask decision.
type waitingTask struct {
	prover  *types.Prover
	inputs  []byte
	publics []byte
}

// workingEntry is one live container, keyed by job key.
type workingEntry struct {
	taskID    uint64 // task id, or the self-test id for miner self-tests (not Store-backed)
	createdAt time.Time
	overtime  uint64 // unix seconds deadline, as delivered by AcceptTask
	container string
	isMiner   bool
}

// Config threads explicit dependencies through the constructor rather than
// hiding them in process-wide state.
type Config struct {
	BasePath       string
	ParallelCap    int
	ZKVMTag        string
	MinerURLValid  bool
	MinerAddress   common.Address
	DefaultOptions containerhost.RunOptions
}

// Orchestrator is the central state machine: task admission, container
// execution, proof pairing, and controller rotation.
type Orchestrator struct {
	cfg    Config
	store  store.Store
	host   containerhost.Host
	txpool txSender
	telem  telemetryReporter
	broker *events.Broker

	In chan Command

	taskOnchain  map[uint64]*waitingTask
	taskPending  *list.List // of uint64
	taskWorking  map[string]*workingEntry
	taskProxy    map[string]time.Time
	taskParallel int
}

// New builds an Orchestrator. txp and telem may be nil in tests that don't
// exercise those paths.
func New(cfg Config, st store.Store, host containerhost.Host, txp txSender, telem telemetryReporter, broker *events.Broker) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		store:        st,
		host:         host,
		txpool:       txp,
		telem:        telem,
		broker:       broker,
		In:           make(chan Command, 256),
		taskOnchain:  make(map[uint64]*waitingTask),
		taskPending:  list.New(),
		taskWorking:  make(map[string]*workingEntry),
		taskProxy:    make(map[string]time.Time),
		taskParallel: cfg.ParallelCap,
	}
}

// Send enqueues cmd for processing in receive order. Callers — Scanner, the
// HTTP surface — never block on Orchestrator's own state, only on channel
// capacity.
func (o *Orchestrator) Send(cmd Command) {
	o.In <- cmd
}

// Run processes commands and the heartbeat tick in receive order until ctx
// is canceled. One command is handled at a time, serializing every state
// transition below.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	o.reportGauges()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.handleHeartbeat()
		case cmd := <-o.In:
			o.dispatch(cmd)
		}
	}
}

func (o *Orchestrator) dispatch(cmd Command) {
	switch {
	case cmd.CreateTask != nil:
		o.handleCreateTask(cmd.CreateTask)
	case cmd.AcceptTask != nil:
		o.handleAcceptTask(cmd.AcceptTask)
	case cmd.UploadProof != nil:
		o.handleUploadProof(cmd.UploadProof)
	case cmd.ApproveProver != nil:
		o.handleApproveProver(cmd.ApproveProver)
	case cmd.PullProver != nil:
		o.handlePullProver(cmd.PullProver)
	case cmd.RemoveProver != nil:
		o.handleRemoveProver(cmd.RemoveProver)
	case cmd.ChangeController != nil:
		o.handleChangeController(cmd.ChangeController)
	case cmd.MinerTest != nil:
		o.handleMinerTest(cmd.MinerTest)
	case cmd.ApiTask != nil:
		o.handleApiTask(cmd.ApiTask)
	}
	o.reportGauges()
}
