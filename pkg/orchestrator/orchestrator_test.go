package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/pozk-network/miner-orchestrator/pkg/containerhost"
	"github.com/pozk-network/miner-orchestrator/pkg/events"
	"github.com/pozk-network/miner-orchestrator/pkg/store"
	"github.com/pozk-network/miner-orchestrator/pkg/txpool"
	"github.com/pozk-network/miner-orchestrator/pkg/types"
)

// fakeHost is an in-memory containerhost.Host: Run always succeeds and
// returns a deterministic handle derived from opts.JobID.
type fakeHost struct {
	mu      sync.Mutex
	running map[string]bool
	removed []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{running: make(map[string]bool)}
}

func (h *fakeHost) Pull(ctx context.Context, repo, tag string) (string, error) {
	return repo + ":" + tag, nil
}

func (h *fakeHost) List(ctx context.Context) (map[string]containerhost.ImageMeta, error) {
	return nil, nil
}

func (h *fakeHost) Run(ctx context.Context, imageHandle string, opts containerhost.RunOptions) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handle := "container-" + opts.JobID
	h.running[handle] = true
	return handle, nil
}

func (h *fakeHost) Remove(ctx context.Context, handle string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.running, handle)
	h.removed = append(h.removed, handle)
	return nil
}

// fakeTxSender records every intent sent to it in receive order.
type fakeTxSender struct {
	mu      sync.Mutex
	intents []txpool.Intent
}

func (f *fakeTxSender) Send(in txpool.Intent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, in)
}

func (f *fakeTxSender) kinds() []txpool.IntentKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]txpool.IntentKind, len(f.intents))
	for i, in := range f.intents {
		out[i] = in.Kind
	}
	return out
}

// fakeTelemetry records the addresses reported to it.
type fakeTelemetry struct {
	mu        sync.Mutex
	reported []common.Address
}

func (f *fakeTelemetry) ReportControllerChange(addr common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported = append(f.reported, addr)
}

// memStore is a minimal in-memory store.Store, enough to exercise
// Orchestrator without bbolt.
type memStore struct {
	mu          sync.Mutex
	controllers map[common.Address]*types.Controller
	provers     map[common.Address]*types.Prover
	tasks       map[uint64]*types.Task
	cursor      uint64
	main        common.Address
}

func newMemStore() *memStore {
	return &memStore{
		controllers: make(map[common.Address]*types.Controller),
		provers:     make(map[common.Address]*types.Prover),
		tasks:       make(map[uint64]*types.Task),
	}
}

func (m *memStore) AddController(c *types.Controller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controllers[c.Address] = c
	return nil
}
func (m *memStore) GetController(addr common.Address) (*types.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[addr]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return c, nil
}
func (m *memStore) ContainsController(addr common.Address) (bool, error) {
	_, err := m.GetController(addr)
	return err == nil, nil
}
func (m *memStore) RemoveController(addr common.Address) (*types.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[addr]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	delete(m.controllers, addr)
	return c, nil
}
func (m *memStore) ListControllers(offset, limit int) ([]*types.Controller, int, error) {
	return nil, len(m.controllers), nil
}
func (m *memStore) CountControllers() (int, error) { return len(m.controllers), nil }

func (m *memStore) AddProver(p *types.Prover) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provers[p.Address] = p
	return nil
}
func (m *memStore) GetProver(addr common.Address) (*types.Prover, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.provers[addr]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return p, nil
}
func (m *memStore) ContainsProver(addr common.Address) (bool, error) {
	_, err := m.GetProver(addr)
	return err == nil, nil
}
func (m *memStore) RemoveProver(addr common.Address) (*types.Prover, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.provers[addr]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	delete(m.provers, addr)
	return p, nil
}
func (m *memStore) ListProvers(offset, limit int) ([]*types.Prover, int, error) {
	return nil, len(m.provers), nil
}
func (m *memStore) CountProvers() (int, error) { return len(m.provers), nil }

func (m *memStore) AddTask(t *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}
func (m *memStore) GetTask(id uint64) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return t, nil
}
func (m *memStore) ContainsTask(id uint64) (bool, error) {
	_, err := m.GetTask(id)
	return err == nil, nil
}
func (m *memStore) RemoveTask(id uint64) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	delete(m.tasks, id)
	return t, nil
}
func (m *memStore) ListTasks(offset, limit int) ([]*types.Task, int, error) {
	return nil, len(m.tasks), nil
}
func (m *memStore) CountTasks() (int, error) { return len(m.tasks), nil }

func (m *memStore) GetScanCursor() (*types.ScanCursor, error) {
	return &types.ScanCursor{Height: m.cursor}, nil
}
func (m *memStore) SetScanCursor(height uint64) error {
	m.cursor = height
	return nil
}
func (m *memStore) GetMainController() (*types.MainController, error) {
	return &types.MainController{Controller: m.main}, nil
}
func (m *memStore) SetMainController(addr common.Address) error {
	m.main = addr
	return nil
}
func (m *memStore) Close() error { return nil }

var _ store.Store = (*memStore)(nil)

func testProver(addr common.Address) *types.Prover {
	return &types.Prover{Address: addr, Tag: "v1", Image: "prover:v1", Type: types.ProverTypeDocker, Overtime: 30}
}

func newTestOrchestrator(t *testing.T, parallel int) (*Orchestrator, *memStore, *fakeHost, *fakeTxSender, *fakeTelemetry) {
	t.Helper()
	st := newMemStore()
	host := newFakeHost()
	tx := &fakeTxSender{}
	tel := &fakeTelemetry{}
	o := New(Config{BasePath: t.TempDir(), ParallelCap: parallel}, st, host, tx, tel, events.NewBroker())
	return o, st, host, tx, tel
}

// Scenario 1: happy path — CreateTask followed by an AcceptTask naming this
// miner admits the job, runs the container, and submits on completion.
func TestHappyPath(t *testing.T) {
	o, st, host, tx, _ := newTestOrchestrator(t, 1)
	prover := testProver(common.HexToAddress("0xaa"))
	require.NoError(t, st.AddProver(prover))

	o.handleCreateTask(&CreateTaskCmd{TaskID: 1, Prover: prover.Address, Inputs: []byte("in"), Publics: []byte("pub")})
	require.Equal(t, []txpool.IntentKind{txpool.IntentAcceptTask}, tx.kinds())

	o.handleAcceptTask(&AcceptTaskCmd{TaskID: 1, Overtime: uint64(time.Now().Add(time.Minute).Unix()), IsMe: true})
	jobKey := types.JobKey(1)
	_, working := o.taskWorking[jobKey]
	require.True(t, working)
	require.Contains(t, host.running, "container-"+jobKey)

	task, err := st.GetTask(1)
	require.NoError(t, err)
	require.True(t, task.IsMine)

	o.handleUploadProof(&UploadProofCmd{JobKey: jobKey, Proof: []byte("proof")})
	require.NotContains(t, o.taskWorking, jobKey)
	require.Equal(t, 1, o.taskParallel)
	task, err = st.GetTask(1)
	require.NoError(t, err)
	require.True(t, task.Done)
	require.Equal(t, []txpool.IntentKind{txpool.IntentAcceptTask, txpool.IntentSubmitTask}, tx.kinds())
}

// Scenario 2: parallelism cap — a second CreateTask while the cap is
// exhausted queues in task_pending instead of accepting immediately, and is
// admitted only once a slot frees up.
func TestParallelismCap(t *testing.T) {
	o, st, _, tx, _ := newTestOrchestrator(t, 1)
	prover := testProver(common.HexToAddress("0xaa"))
	require.NoError(t, st.AddProver(prover))

	o.handleCreateTask(&CreateTaskCmd{TaskID: 1, Prover: prover.Address})
	o.handleAcceptTask(&AcceptTaskCmd{TaskID: 1, Overtime: uint64(time.Now().Add(time.Minute).Unix()), IsMe: true})
	require.Equal(t, 0, o.taskParallel)

	o.handleCreateTask(&CreateTaskCmd{TaskID: 2, Prover: prover.Address})
	require.Equal(t, 1, o.taskPending.Len())
	require.Equal(t, []txpool.IntentKind{txpool.IntentAcceptTask}, tx.kinds())

	o.handleUploadProof(&UploadProofCmd{JobKey: types.JobKey(1), Proof: []byte("proof")})
	require.Equal(t, 0, o.taskPending.Len())
	require.Equal(t,
		[]txpool.IntentKind{txpool.IntentAcceptTask, txpool.IntentSubmitTask, txpool.IntentAcceptTask},
		tx.kinds())
}

// Scenario 3: not mine — an AcceptTask where IsMe is false releases the
// waiting task and tries the next pending entry without starting a job.
func TestAcceptTaskNotMine(t *testing.T) {
	o, st, host, _, _ := newTestOrchestrator(t, 0)
	prover := testProver(common.HexToAddress("0xaa"))
	require.NoError(t, st.AddProver(prover))

	o.handleCreateTask(&CreateTaskCmd{TaskID: 1, Prover: prover.Address})
	require.Equal(t, 1, o.taskPending.Len())

	o.handleAcceptTask(&AcceptTaskCmd{TaskID: 1, IsMe: false})
	require.Empty(t, o.taskOnchain)
	require.Empty(t, host.running)
}

// Scenario 4: replay safety — an AcceptTask for a task id never admitted via
// CreateTask (already handled, or never ours) is dropped with no state
// change and no container start.
func TestAcceptTaskReplaySafety(t *testing.T) {
	o, _, host, tx, _ := newTestOrchestrator(t, 1)
	o.handleAcceptTask(&AcceptTaskCmd{TaskID: 99, IsMe: true, Overtime: uint64(time.Now().Add(time.Minute).Unix())})
	require.Empty(t, o.taskWorking)
	require.Empty(t, host.running)
	require.Empty(t, tx.kinds())
}

// Scenario 4b: duplicate delivery — Scanner re-emitting the same CreateTask
// event must leave Orchestrator in the same state as a single delivery: no
// second waitingTask entry, no second queue push, no second AcceptTask
// intent.
func TestDuplicateCreateTask(t *testing.T) {
	o, st, _, tx, _ := newTestOrchestrator(t, 0)
	prover := testProver(common.HexToAddress("0xaa"))
	require.NoError(t, st.AddProver(prover))

	cmd := &CreateTaskCmd{TaskID: 1, Prover: prover.Address, Inputs: []byte("in"), Publics: []byte("pub")}
	o.handleCreateTask(cmd)
	o.handleCreateTask(cmd)
	require.Equal(t, 1, o.taskPending.Len())
	require.Empty(t, tx.kinds())

	// Replayed after AcceptTask has already admitted the job into
	// task_working: still a no-op, since the job is already tracked there.
	o2, st2, _, tx2, _ := newTestOrchestrator(t, 1)
	require.NoError(t, st2.AddProver(prover))
	o2.handleCreateTask(&CreateTaskCmd{TaskID: 2, Prover: prover.Address})
	o2.handleAcceptTask(&AcceptTaskCmd{TaskID: 2, Overtime: uint64(time.Now().Add(time.Minute).Unix()), IsMe: true})
	require.Contains(t, o2.taskWorking, types.JobKey(2))

	o2.handleCreateTask(&CreateTaskCmd{TaskID: 2, Prover: prover.Address})
	require.Equal(t, 0, o2.taskPending.Len())
	require.Equal(t, []txpool.IntentKind{txpool.IntentAcceptTask}, tx2.kinds())
}

// Scenario 5: heartbeat reclaim — a job whose deadline, computed as
// maxtime = created + 2*(overtime-created), has long passed is evicted and
// its slot restored.
func TestHeartbeatReclaim(t *testing.T) {
	o, st, _, _, _ := newTestOrchestrator(t, 0)
	prover := testProver(common.HexToAddress("0xaa"))
	require.NoError(t, st.AddProver(prover))

	// created=0, overtime=10 gives maxtime=created+2*(overtime-created)=20,
	// long past by the real wall clock handleHeartbeat reads from.
	created := time.Unix(0, 0)
	o.taskWorking["stale"] = &workingEntry{taskID: 1, createdAt: created, overtime: 10, container: "c1"}

	o.handleHeartbeat()
	require.Empty(t, o.taskWorking)
	require.Equal(t, 1, o.taskParallel)
}

// Scenario 6: controller rotation — a valid signing key matching the
// claimed wallet persists the new MainController and fans the rotation out
// to both TxPool and telemetry; a mismatched key is dropped.
func TestControllerRotation(t *testing.T) {
	o, st, _, tx, tel := newTestOrchestrator(t, 1)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := crypto.PubkeyToAddress(key.PublicKey)
	var keyBytes [32]byte
	copy(keyBytes[:], crypto.FromECDSA(key))

	o.handleChangeController(&ChangeControllerCmd{Wallet: wallet, SigningKey: keyBytes})
	main, err := st.GetMainController()
	require.NoError(t, err)
	require.Equal(t, wallet, main.Controller)
	require.Equal(t, []txpool.IntentKind{txpool.IntentChangeController}, tx.kinds())
	require.Equal(t, []common.Address{wallet}, tel.reported)

	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	var otherKeyBytes [32]byte
	copy(otherKeyBytes[:], crypto.FromECDSA(otherKey))
	mismatch := common.HexToAddress("0xdeadbeef")
	o.handleChangeController(&ChangeControllerCmd{Wallet: mismatch, SigningKey: otherKeyBytes})
	main, err = st.GetMainController()
	require.NoError(t, err)
	require.Equal(t, wallet, main.Controller, "mismatched signing key must not rotate the controller")
}

// MinerTest jobs are gated by overtime >= now at submission time: a result
// arriving after its deadline must not be forwarded to TxPool.
func TestMinerTestOvertimeGate(t *testing.T) {
	o, st, _, tx, _ := newTestOrchestrator(t, 1)
	prover := testProver(common.HexToAddress("0xaa"))
	require.NoError(t, st.AddProver(prover))

	pastOvertime := uint64(time.Now().Add(-time.Hour).Unix())
	o.handleMinerTest(&MinerTestCmd{ID: 7, Prover: prover.Address, Overtime: pastOvertime})
	jobKey := fmt.Sprintf("m-%d-%d", 7, pastOvertime)
	require.Contains(t, o.taskWorking, jobKey)

	o.handleUploadProof(&UploadProofCmd{JobKey: jobKey, Proof: []byte("proof")})
	require.Empty(t, tx.kinds(), "a miner test result past its deadline must be dropped, not submitted")
}
