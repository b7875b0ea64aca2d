package orchestrator

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Command is the tagged variant Orchestrator consumes from Scanner, the
// HTTP surface, and its own heartbeat ticker. Exactly one field is set per
// delivery — modeled as a struct of pointers rather than an interface to
// avoid dynamic dispatch on message kind.
type Command struct {
	CreateTask       *CreateTaskCmd
	AcceptTask       *AcceptTaskCmd
	UploadProof      *UploadProofCmd
	ApproveProver    *ApproveProverCmd
	PullProver       *PullProverCmd
	RemoveProver     *RemoveProverCmd
	ChangeController *ChangeControllerCmd
	MinerTest        *MinerTestCmd
	ApiTask          *ApiTaskCmd
}

type CreateTaskCmd struct {
	TaskID  uint64
	Prover  common.Address
	Inputs  []byte
	Publics []byte
}

type AcceptTaskCmd struct {
	TaskID   uint64
	Overtime uint64
	IsMe     bool
}

// UploadProofCmd carries both publics and proof, matching the HTTP upload's
// length-prefixed layout. Only Proof is forwarded on-chain (the Task
// contract's submit(uint256,bytes) takes no publics argument); Publics is
// used only for proxy replies and is not stored.
type UploadProofCmd struct {
	JobKey  string
	Publics []byte
	Proof   []byte
}

type ApproveProverCmd struct {
	Prover   common.Address
	Version  uint64
	Overtime uint64
}

type PullProverCmd struct {
	Prover   common.Address
	Tag      string
	Name     string
	Overtime uint64
}

type RemoveProverCmd struct {
	Prover common.Address
}

type ChangeControllerCmd struct {
	Wallet     common.Address
	SigningKey [32]byte
}

type MinerTestCmd struct {
	ID       uint64
	Prover   common.Address
	Overtime uint64
	Inputs   []byte
	Publics  []byte
}

type ApiTaskCmd struct {
	JobKey   string
	Deadline time.Time
}
