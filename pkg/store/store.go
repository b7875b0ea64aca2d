// Package store provides crash-safe, typed key/value access with one table
// per entity: controllers, provers, tasks, and the scan-cursor / main
// controller singleton rows.
package store

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pozk-network/miner-orchestrator/pkg/types"
)

// DefaultListLimit and MaxListLimit bound the (offset, limit) pagination
// contract shared by every table.
const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// Store is the durable inventory for controller keys, prover images, tasks,
// and the scan cursor. Every mutating method is a single transaction; reads
// are snapshot-consistent within one call.
type Store interface {
	AddController(c *types.Controller) error
	GetController(addr common.Address) (*types.Controller, error)
	ContainsController(addr common.Address) (bool, error)
	RemoveController(addr common.Address) (*types.Controller, error)
	ListControllers(offset, limit int) ([]*types.Controller, int, error)
	CountControllers() (int, error)

	AddProver(p *types.Prover) error
	GetProver(addr common.Address) (*types.Prover, error)
	ContainsProver(addr common.Address) (bool, error)
	RemoveProver(addr common.Address) (*types.Prover, error)
	ListProvers(offset, limit int) ([]*types.Prover, int, error)
	CountProvers() (int, error)

	AddTask(t *types.Task) error
	GetTask(id uint64) (*types.Task, error)
	ContainsTask(id uint64) (bool, error)
	RemoveTask(id uint64) (*types.Task, error)
	ListTasks(offset, limit int) ([]*types.Task, int, error)
	CountTasks() (int, error)

	GetScanCursor() (*types.ScanCursor, error)
	SetScanCursor(height uint64) error

	GetMainController() (*types.MainController, error)
	SetMainController(addr common.Address) error

	Close() error
}

// clampLimit applies the shared pagination contract: limit in [1,100],
// defaulting to 10 when unset.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
