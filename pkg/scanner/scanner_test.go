package scanner

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/pozk-network/miner-orchestrator/internal/chainabi"
)

func newTestScanner(t *testing.T, self common.Address) *Scanner {
	t.Helper()
	contracts, err := chainabi.Load()
	require.NoError(t, err)
	return New(nil, nil, Config{Self: self}, contracts)
}

func TestDecodeCreateTask(t *testing.T) {
	contracts, err := chainabi.Load()
	require.NoError(t, err)
	s := newTestScanner(t, common.Address{})

	data, err := contracts.Task.Events["CreateTask"].Inputs.NonIndexed().Pack([]byte("in"), []byte("pub"))
	require.NoError(t, err)

	prover := common.HexToAddress("0xaa")
	lg := gethtypes.Log{
		Topics: []common.Hash{
			s.createTaskTopic,
			common.BigToHash(big.NewInt(7)),
			prover.Hash(),
		},
		Data: data,
	}

	ev, err := s.decode(lg)
	require.NoError(t, err)
	require.NotNil(t, ev.CreateTask)
	require.Equal(t, uint64(7), ev.CreateTask.ID)
	require.Equal(t, prover, ev.CreateTask.Prover)
	require.Equal(t, []byte("in"), ev.CreateTask.Inputs)
	require.Equal(t, []byte("pub"), ev.CreateTask.Publics)
}

func TestDecodeAcceptTaskSetsIsMe(t *testing.T) {
	contracts, err := chainabi.Load()
	require.NoError(t, err)
	self := common.HexToAddress("0xbb")
	s := newTestScanner(t, self)

	data, err := contracts.Task.Events["AcceptTask"].Inputs.NonIndexed().Pack(big.NewInt(300))
	require.NoError(t, err)

	lg := gethtypes.Log{
		Topics: []common.Hash{
			s.acceptTaskTopic,
			common.BigToHash(big.NewInt(9)),
			self.Hash(),
		},
		Data: data,
	}

	ev, err := s.decode(lg)
	require.NoError(t, err)
	require.NotNil(t, ev.AcceptTask)
	require.Equal(t, uint64(9), ev.AcceptTask.ID)
	require.Equal(t, uint64(300), ev.AcceptTask.Overtime)
	require.True(t, ev.AcceptTask.IsMe)

	other := common.HexToAddress("0xcc")
	lg.Topics[2] = other.Hash()
	ev, err = s.decode(lg)
	require.NoError(t, err)
	require.False(t, ev.AcceptTask.IsMe)
}

func TestDecodeApproveProver(t *testing.T) {
	contracts, err := chainabi.Load()
	require.NoError(t, err)
	s := newTestScanner(t, common.Address{})

	data, err := contracts.Prover.Events["ApproveProver"].Inputs.NonIndexed().Pack(big.NewInt(2), big.NewInt(120))
	require.NoError(t, err)

	prover := common.HexToAddress("0xdd")
	lg := gethtypes.Log{
		Topics: []common.Hash{s.approveProverTopic, prover.Hash()},
		Data:   data,
	}

	ev, err := s.decode(lg)
	require.NoError(t, err)
	require.NotNil(t, ev.ApproveProver)
	require.Equal(t, prover, ev.ApproveProver.Prover)
	require.Equal(t, uint64(2), ev.ApproveProver.Version)
	require.Equal(t, uint64(120), ev.ApproveProver.Overtime)
}

func TestDecodeUnknownTopicIsNoop(t *testing.T) {
	s := newTestScanner(t, common.Address{})
	lg := gethtypes.Log{Topics: []common.Hash{common.HexToHash("0x01")}}

	ev, err := s.decode(lg)
	require.NoError(t, err)
	require.Nil(t, ev)
}
