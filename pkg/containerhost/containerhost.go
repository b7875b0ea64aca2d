// Package containerhost defines the capability Orchestrator depends on to
// pull, run, and remove the sandboxed prover containers, plus a concrete
// containerd-backed adapter.
package containerhost

import "context"

// ImageMeta describes one image known to the host, as returned by List —
// used by telemetry to join against the prover inventory.
type ImageMeta struct {
	Handle string
	Name   string
	Size   int64
}

// RunOptions bounds one container invocation.
type RunOptions struct {
	// JobID names the job; InputPath/OutputPath/ProofPath are bound to
	// the container's INPUT/OUTPUT/PROOF environment variables.
	JobID      string
	ZKVMTag    string
	Overtime   uint64 // seconds, bounds wall-clock runtime; 0 means unbounded
	InputPath  string
	OutputPath string
	ProofPath  string
	CPULimit   float64 // cores, 0 means unset
	MemoryMB   int64   // 0 means unset
}

// Host is the capability Orchestrator consumes: pull/list/run/remove.
// Implementations must make Pull and Remove idempotent.
type Host interface {
	// Pull fetches repo:tag and returns an opaque image handle usable by Run.
	Pull(ctx context.Context, repo, tag string) (string, error)

	// List enumerates known images, handle -> metadata.
	List(ctx context.Context) (map[string]ImageMeta, error)

	// Run starts a container from imageHandle bound per opts. Returns an
	// opaque container handle. The container is terminated if it exceeds
	// opts.Overtime seconds.
	Run(ctx context.Context, imageHandle string, opts RunOptions) (string, error)

	// Remove stops and deletes a container or image by handle. Idempotent:
	// removing an already-absent handle is not an error.
	Remove(ctx context.Context, handle string) error
}
