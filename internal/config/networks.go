package config

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pozk-network/miner-orchestrator/internal/errs"
)

//go:embed networks.json
var networksJSON []byte

// ContractEntry names one deployed contract's address and the block its
// events can first appear at.
type ContractEntry struct {
	Address    common.Address `json:"address"`
	StartBlock uint64         `json:"startBlock"`
}

// networkEntry is one top-level key of networks.json: a chain id plus its
// named contract deployments.
type networkEntry struct {
	ChainID int64         `json:"chainId"`
	Task    ContractEntry `json:"task"`
	Stake   ContractEntry `json:"stake"`
	Prover  ContractEntry `json:"prover"`
}

func (e networkEntry) contracts() map[string]ContractEntry {
	return map[string]ContractEntry{"task": e.Task, "stake": e.Stake, "prover": e.Prover}
}

func lookupNetwork(network string) (networkEntry, error) {
	var all map[string]networkEntry
	if err := json.Unmarshal(networksJSON, &all); err != nil {
		return networkEntry{}, fmt.Errorf("%w: networks.json is invalid: %v", errs.ErrConfig, err)
	}
	entry, ok := all[network]
	if !ok {
		return networkEntry{}, fmt.Errorf("%w: unknown network %q", errs.ErrConfig, network)
	}
	return entry, nil
}

// NetworkAddresses resolves "task"/"stake"/"prover" to their ContractEntry
// for a given network name ("localhost", "testnet", "mainnet").
func NetworkAddresses(network string) (map[string]ContractEntry, error) {
	entry, err := lookupNetwork(network)
	if err != nil {
		return nil, err
	}
	return entry.contracts(), nil
}

// ContractAddress looks up one named contract's address and start block
// within network.
func ContractAddress(network, name string) (common.Address, uint64, error) {
	entries, err := NetworkAddresses(network)
	if err != nil {
		return common.Address{}, 0, err
	}
	entry, ok := entries[name]
	if !ok {
		return common.Address{}, 0, fmt.Errorf("%w: network %q has no contract %q", errs.ErrConfig, network, name)
	}
	return entry.Address, entry.StartBlock, nil
}

// ChainID resolves a network name to its chain id.
func ChainID(network string) (int64, error) {
	entry, err := lookupNetwork(network)
	if err != nil {
		return 0, err
	}
	return entry.ChainID, nil
}
