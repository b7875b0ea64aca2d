package store_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/pozk-network/miner-orchestrator/internal/errs"
	"github.com/pozk-network/miner-orchestrator/pkg/store"
	"github.com/pozk-network/miner-orchestrator/pkg/types"
)

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	st, err := store.NewBoltStore(store.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestControllerRoundTrip(t *testing.T) {
	st := newTestStore(t)
	addr := common.HexToAddress("0x01")

	_, err := st.GetController(addr)
	require.ErrorIs(t, err, errs.ErrNotFound)

	c := &types.Controller{Address: addr, Label: "primary", CreatedAt: time.Now()}
	require.NoError(t, st.AddController(c))

	got, err := st.GetController(addr)
	require.NoError(t, err)
	require.Equal(t, addr, got.Address)
	require.Equal(t, "primary", got.Label)

	ok, err := st.ContainsController(addr)
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := st.RemoveController(addr)
	require.NoError(t, err)
	require.Equal(t, addr, removed.Address)

	ok, err = st.ContainsController(addr)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProverRoundTrip(t *testing.T) {
	st := newTestStore(t)
	addr := common.HexToAddress("0x02")

	p := &types.Prover{Address: addr, Tag: "v1", Image: "img:v1", Type: types.ProverTypeDocker}
	require.NoError(t, st.AddProver(p))

	got, err := st.GetProver(addr)
	require.NoError(t, err)
	require.Equal(t, "v1", got.Tag)

	p.Tag = "v2"
	p.Image = "img:v2"
	require.NoError(t, st.AddProver(p))
	got, err = st.GetProver(addr)
	require.NoError(t, err)
	require.Equal(t, "v2", got.Tag, "AddProver must upsert, not duplicate")

	_, err = st.RemoveProver(addr)
	require.NoError(t, err)
	_, err = st.GetProver(addr)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTaskRoundTrip(t *testing.T) {
	st := newTestStore(t)

	task := &types.Task{ID: 42, Prover: common.HexToAddress("0x03"), Overtime: 100}
	require.NoError(t, st.AddTask(task))

	got, err := st.GetTask(42)
	require.NoError(t, err)
	require.Equal(t, uint64(42), got.ID)
	require.False(t, got.Done)

	got.Done = true
	require.NoError(t, st.AddTask(got))
	got, err = st.GetTask(42)
	require.NoError(t, err)
	require.True(t, got.Done)
}

// ListProvers must clamp limit into [1,100], default to 10 when unset, and
// paginate by offset while reporting the full table size.
func TestListProversPagination(t *testing.T) {
	st := newTestStore(t)
	for i := 0; i < 15; i++ {
		addr := common.BigToAddress(big.NewInt(int64(i + 1)))
		require.NoError(t, st.AddProver(&types.Prover{Address: addr, Tag: "v1"}))
	}

	list, total, err := st.ListProvers(0, 0)
	require.NoError(t, err)
	require.Equal(t, 15, total)
	require.Len(t, list, store.DefaultListLimit)

	list, total, err = st.ListProvers(10, 1000)
	require.NoError(t, err)
	require.Equal(t, 15, total)
	require.Len(t, list, 5)

	count, err := st.CountProvers()
	require.NoError(t, err)
	require.Equal(t, 15, count)
}

func TestScanCursorDefaultsToZero(t *testing.T) {
	st := newTestStore(t)

	cur, err := st.GetScanCursor()
	require.NoError(t, err)
	require.Equal(t, uint64(0), cur.Height)

	require.NoError(t, st.SetScanCursor(500))
	cur, err = st.GetScanCursor()
	require.NoError(t, err)
	require.Equal(t, uint64(500), cur.Height)
}

func TestMainControllerSingleton(t *testing.T) {
	st := newTestStore(t)
	addr := common.HexToAddress("0x04")

	require.NoError(t, st.SetMainController(addr))
	main, err := st.GetMainController()
	require.NoError(t, err)
	require.Equal(t, addr, main.Controller)

	other := common.HexToAddress("0x05")
	require.NoError(t, st.SetMainController(other))
	main, err = st.GetMainController()
	require.NoError(t, err)
	require.Equal(t, other, main.Controller, "rewriting the singleton must replace, not duplicate")
}
