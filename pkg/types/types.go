// Package types holds the domain entities shared across the orchestrator:
// controllers, provers, tasks, and the singleton rows that track scan
// progress and the active signing identity.
package types

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Controller is a signing key authorized to submit transactions on the
// miner's behalf. Its private key is never logged and is exposed to TxPool
// only through a signer capability.
type Controller struct {
	Address common.Address
	// PrivateKey is the raw 32-byte scalar; Store is the only place it is
	// persisted. It carries no JSON tag, so every JSON encoding of a
	// Controller includes it.
	PrivateKey [32]byte
	// Label is an optional human label, purely informational.
	Label     string
	CreatedAt time.Time
}

// MainController is the singleton row naming the currently active
// controller. Rewritten atomically on controller rotation.
type MainController struct {
	Controller common.Address
	UpdatedAt  time.Time
}

// ProverType distinguishes how a prover's workload is dispatched.
type ProverType string

const (
	// ProverTypeDocker is a plain image+tag container prover.
	ProverTypeDocker ProverType = "docker"
	// ProverTypeZKVM requires the miner to have been started with a
	// matching zkvm tag.
	ProverTypeZKVM ProverType = "zkvm"
	// ProverTypeURL is a URL-based prover, admitted only when the miner
	// was started with a non-empty public URL.
	ProverTypeURL ProverType = "url"
)

// Prover is an on-chain-registered proving service, locally materialized as
// a container image.
type Prover struct {
	Address   common.Address
	Tag       string // version string, e.g. "v3"
	Image     string // image handle/repository reference
	Name      string // display name, also the repository Pull fetches
	Overtime  uint64 // seconds
	Type      ProverType
	CreatedAt time.Time
}

// Task is a proving job identified by a 64-bit on-chain id.
type Task struct {
	ID        uint64
	Prover    common.Address
	CreatedAt time.Time
	// Overtime is the wall-clock deadline, expressed as a unix timestamp
	// (accept time + overtime seconds), not a duration.
	Overtime  uint64
	Container string // opaque container handle from ContainerHost
	IsMine    bool
	Done      bool
}

// ScanCursor is the singleton row tracking the Scanner's last persisted
// block height.
type ScanCursor struct {
	Height uint64
}

// JobKey returns the string used to name a running job for a real task:
// its decimal id.
func JobKey(taskID uint64) string {
	return strconv.FormatUint(taskID, 10)
}
