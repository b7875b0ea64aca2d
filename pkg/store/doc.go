// Package store is the durable inventory for the orchestrator: controllers,
// provers, tasks, and the scan-cursor / main-controller singleton rows,
// backed by a single BoltDB file with one bucket per entity.
package store
