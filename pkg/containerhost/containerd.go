package containerhost

import (
	"context"
	"fmt"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pozk-network/miner-orchestrator/internal/errs"
)

const (
	// DefaultNamespace is the containerd namespace the orchestrator runs
	// prover containers under.
	DefaultNamespace = "pozk-miner"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Containerd implements Host on top of github.com/containerd/containerd.
type Containerd struct {
	client    *containerd.Client
	namespace string
}

// NewContainerd connects to the containerd daemon at socketPath.
func NewContainerd(socketPath string) (*Containerd, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to containerd: %v", errs.ErrContainer, err)
	}

	return &Containerd{client: client, namespace: DefaultNamespace}, nil
}

func (c *Containerd) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Containerd) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Pull fetches repo:tag, unpacking it for immediate use. Idempotent:
// containerd.Pull is itself a no-op when the image is already present.
func (c *Containerd) Pull(ctx context.Context, repo, tag string) (string, error) {
	ctx = c.ctx(ctx)
	ref := repo + ":" + tag

	image, err := c.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return "", fmt.Errorf("%w: pull %s: %v", errs.ErrContainer, ref, err)
	}

	return image.Name(), nil
}

// List enumerates images known to containerd in this namespace.
func (c *Containerd) List(ctx context.Context) (map[string]ImageMeta, error) {
	ctx = c.ctx(ctx)

	images, err := c.client.ImageService().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list images: %v", errs.ErrContainer, err)
	}

	out := make(map[string]ImageMeta, len(images))
	for _, img := range images {
		out[img.Name] = ImageMeta{
			Handle: img.Name,
			Name:   img.Name,
			Size:   img.Target.Size,
		}
	}
	return out, nil
}

// Run starts a container from imageHandle with INPUT/OUTPUT/PROOF bound to
// the paths in opts, bounding wall-clock runtime to opts.Overtime seconds.
func (c *Containerd) Run(ctx context.Context, imageHandle string, opts RunOptions) (string, error) {
	ctx = c.ctx(ctx)

	image, err := c.client.GetImage(ctx, imageHandle)
	if err != nil {
		return "", fmt.Errorf("%w: get image %s: %v", errs.ErrContainer, imageHandle, err)
	}

	env := []string{
		"INPUT=" + opts.InputPath,
		"OUTPUT=" + opts.OutputPath,
		"PROOF=" + opts.ProofPath,
	}
	if opts.ZKVMTag != "" {
		env = append(env, "ZKVM_TAG="+opts.ZKVMTag)
	}

	jobDir := filepath.Dir(opts.InputPath)
	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithMounts([]specs.Mount{{
			Source:      jobDir,
			Destination: jobDir,
			Type:        "bind",
			Options:     []string{"rbind"},
		}}),
	}

	if opts.CPULimit > 0 {
		shares := uint64(opts.CPULimit * 1024)
		quota := int64(opts.CPULimit * 100000)
		specOpts = append(specOpts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if opts.MemoryMB > 0 {
		specOpts = append(specOpts, oci.WithMemoryLimit(uint64(opts.MemoryMB)*1024*1024))
	}

	containerID := "job-" + opts.JobID
	container, err := c.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	if err != nil {
		return "", fmt.Errorf("%w: create container: %v", errs.ErrContainer, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", fmt.Errorf("%w: create task: %v", errs.ErrContainer, err)
	}

	if opts.Overtime > 0 {
		go c.killAfter(containerID, task, time.Duration(opts.Overtime)*time.Second)
	}

	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("%w: start task: %v", errs.ErrContainer, err)
	}

	return containerID, nil
}

// killAfter force-kills a runaway task once its overtime budget elapses.
// Normal completion (the prover writing its proof and exiting) races this
// and wins in the common case; this is a backstop, not the primary reclaim
// path — that is the orchestrator's 13-second heartbeat.
func (c *Containerd) killAfter(containerID string, task containerd.Task, budget time.Duration) {
	timer := time.NewTimer(budget)
	defer timer.Stop()
	<-timer.C

	ctx := namespaces.WithNamespace(context.Background(), c.namespace)
	status, err := task.Status(ctx)
	if err != nil || status.Status != containerd.Running {
		return
	}
	_ = task.Kill(ctx, syscall.SIGKILL)
}

// Remove stops and deletes a container by handle, or deletes the image when
// handle names an image instead. Idempotent: a handle that names neither is
// not an error.
func (c *Containerd) Remove(ctx context.Context, handle string) error {
	ctx = c.ctx(ctx)

	container, err := c.client.LoadContainer(ctx, handle)
	if err != nil {
		if _, ierr := c.client.GetImage(ctx, handle); ierr != nil {
			return nil // already gone
		}
		if err := c.client.ImageService().Delete(ctx, handle); err != nil {
			return fmt.Errorf("%w: delete image %s: %v", errs.ErrContainer, handle, err)
		}
		return nil
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := task.Kill(stopCtx, syscall.SIGTERM); err == nil {
			statusC, werr := task.Wait(stopCtx)
			if werr == nil {
				select {
				case <-statusC:
				case <-stopCtx.Done():
					_ = task.Kill(ctx, syscall.SIGKILL)
				}
			}
		}
		_, _ = task.Delete(ctx)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("%w: delete container %s: %v", errs.ErrContainer, handle, err)
	}
	return nil
}
