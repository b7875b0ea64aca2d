// Package chainabi embeds the on-chain ABI surface the orchestrator talks
// to: the Task, Stake, and Prover contracts, plus the three events Scanner
// watches. Bindings are decoded at runtime via go-ethereum's accounts/abi,
// not by code generation — this repo has no offline codegen build step.
package chainabi

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// taskABIJSON declares the Task contract functions the miner calls:
// accept(taskId, miner) and submit(taskId, proof).
const taskABIJSON = `[
  {"type":"function","name":"accept","inputs":[{"name":"id","type":"uint256"},{"name":"miner","type":"address"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"submit","inputs":[{"name":"id","type":"uint256"},{"name":"proof","type":"bytes"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"event","name":"CreateTask","inputs":[{"name":"id","type":"uint256","indexed":true},{"name":"prover","type":"address","indexed":true},{"name":"inputs","type":"bytes","indexed":false},{"name":"publics","type":"bytes","indexed":false}],"anonymous":false},
  {"type":"event","name":"AcceptTask","inputs":[{"name":"id","type":"uint256","indexed":true},{"name":"miner","type":"address","indexed":true},{"name":"overtime","type":"uint256","indexed":false}],"anonymous":false}
]`

// stakeABIJSON declares the Stake contract functions: minerTestSubmit and
// the isMiner membership check.
const stakeABIJSON = `[
  {"type":"function","name":"minerTestSubmit","inputs":[{"name":"id","type":"uint256"},{"name":"success","type":"bool"},{"name":"proof","type":"bytes"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"isMiner","inputs":[{"name":"prover","type":"address"},{"name":"miner","type":"address"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"}
]`

// proverABIJSON declares the Prover contract's read-only accessors plus the
// ApproveProver event Scanner watches.
const proverABIJSON = `[
  {"type":"function","name":"version","inputs":[{"name":"prover","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
  {"type":"function","name":"name","inputs":[{"name":"prover","type":"address"}],"outputs":[{"name":"","type":"string"}],"stateMutability":"view"},
  {"type":"event","name":"ApproveProver","inputs":[{"name":"prover","type":"address","indexed":true},{"name":"version","type":"uint256","indexed":false},{"name":"overtime","type":"uint256","indexed":false}],"anonymous":false}
]`

// Contracts bundles the three parsed ABIs, decoded once at load time.
type Contracts struct {
	Task   abi.ABI
	Stake  abi.ABI
	Prover abi.ABI
}

// Load parses the embedded ABI JSON literals into usable bindings.
func Load() (*Contracts, error) {
	task, err := abi.JSON(strings.NewReader(taskABIJSON))
	if err != nil {
		return nil, err
	}
	stake, err := abi.JSON(strings.NewReader(stakeABIJSON))
	if err != nil {
		return nil, err
	}
	prover, err := abi.JSON(strings.NewReader(proverABIJSON))
	if err != nil {
		return nil, err
	}
	return &Contracts{Task: task, Stake: stake, Prover: prover}, nil
}

// EventTopics returns the topic0 hash for each of the three events Scanner
// watches.
func (c *Contracts) EventTopics() (createTask, acceptTask, approveProver [32]byte) {
	createTask = crypto.Keccak256Hash([]byte(c.Task.Events["CreateTask"].Sig))
	acceptTask = crypto.Keccak256Hash([]byte(c.Task.Events["AcceptTask"].Sig))
	approveProver = crypto.Keccak256Hash([]byte(c.Prover.Events["ApproveProver"].Sig))
	return
}
