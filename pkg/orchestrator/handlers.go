package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pozk-network/miner-orchestrator/internal/errs"
	"github.com/pozk-network/miner-orchestrator/internal/logx"
	"github.com/pozk-network/miner-orchestrator/pkg/containerhost"
	"github.com/pozk-network/miner-orchestrator/pkg/events"
	"github.com/pozk-network/miner-orchestrator/pkg/metrics"
	"github.com/pozk-network/miner-orchestrator/pkg/txpool"
	"github.com/pozk-network/miner-orchestrator/pkg/types"
)

// handleCreateTask runs the admissibility gate: a prover must be known
// locally, URL provers need Config.MinerURLValid, and zkvm provers
// need a matching local tag. Anything that fails is dropped silently; there
// is no on-chain rejection path.
func (o *Orchestrator) handleCreateTask(cmd *CreateTaskCmd) {
	log := logx.WithComponent("orchestrator").With().Uint64("task_id", cmd.TaskID).Logger()

	if _, ok := o.taskOnchain[cmd.TaskID]; ok {
		log.Debug().Msg("task already waiting on-chain, dropping replayed create")
		return
	}
	jobKey := types.JobKey(cmd.TaskID)
	if _, ok := o.taskWorking[jobKey]; ok {
		log.Debug().Msg("task already working, dropping replayed create")
		return
	}
	if _, ok := o.taskProxy[jobKey]; ok {
		log.Debug().Msg("task already proxied, dropping replayed create")
		return
	}

	prover, err := o.store.GetProver(cmd.Prover)
	if err != nil {
		log.Debug().Err(err).Str("prover", cmd.Prover.Hex()).Msg("unknown prover, dropping task")
		return
	}
	if prover.Type == types.ProverTypeURL && !o.cfg.MinerURLValid {
		log.Debug().Msg("url prover not valid on this miner, dropping task")
		return
	}
	if prover.Type == types.ProverTypeZKVM && prover.Tag != o.cfg.ZKVMTag {
		log.Debug().Str("want", prover.Tag).Str("have", o.cfg.ZKVMTag).Msg("zkvm tag mismatch, dropping task")
		return
	}

	o.taskOnchain[cmd.TaskID] = &waitingTask{
		prover:  prover,
		inputs:  cmd.Inputs,
		publics: cmd.Publics,
	}

	if o.taskParallel == 0 {
		o.taskPending.PushBack(cmd.TaskID)
		log.Debug().Msg("parallelism cap reached, task queued")
		return
	}

	if o.txpool != nil {
		o.txpool.Send(txpool.Intent{Kind: txpool.IntentAcceptTask, TaskID: cmd.TaskID})
	}
}

// handleAcceptTask reacts to the on-chain AcceptTask event. Per the resolved
// Open Question, an AcceptTask for a tid Orchestrator never admitted is
// dropped — it was either not ours to begin with or already handled.
func (o *Orchestrator) handleAcceptTask(cmd *AcceptTaskCmd) {
	log := logx.WithComponent("orchestrator").With().Uint64("task_id", cmd.TaskID).Logger()

	waiting, ok := o.taskOnchain[cmd.TaskID]
	if !ok {
		log.Debug().Msg("accept for unseen task, dropping")
		return
	}
	delete(o.taskOnchain, cmd.TaskID)

	if !cmd.IsMe {
		o.popNextPending()
		return
	}

	jobKey := types.JobKey(cmd.TaskID)
	if err := o.startJob(jobKey, cmd.TaskID, cmd.Overtime, false, waiting.prover, waiting.inputs, waiting.publics); err != nil {
		log.Error().Err(err).Msg("start accepted task")
		o.broker.Publish(&events.Event{Type: events.EventTaskFailed, Message: jobKey})
		return
	}

	task := &types.Task{
		ID:        cmd.TaskID,
		Prover:    waiting.prover.Address,
		CreatedAt: time.Now(),
		Overtime:  cmd.Overtime,
		Container: o.taskWorking[jobKey].container,
		IsMine:    true,
	}
	if err := o.store.AddTask(task); err != nil {
		log.Error().Err(err).Msg("persist accepted task")
	}
	o.broker.Publish(&events.Event{Type: events.EventTaskCreated, Message: jobKey})
}

// handleMinerTest admits a self-test the same way as an accepted task, but
// under the "m-<id>-<overtime>" job key and without a Store-backed Task row.
func (o *Orchestrator) handleMinerTest(cmd *MinerTestCmd) {
	log := logx.WithComponent("orchestrator").With().Uint64("task_id", cmd.ID).Logger()

	prover, err := o.store.GetProver(cmd.Prover)
	if err != nil {
		log.Debug().Err(err).Msg("unknown prover, dropping miner test")
		return
	}

	jobKey := fmt.Sprintf("m-%d-%d", cmd.ID, cmd.Overtime)
	if err := o.startJob(jobKey, cmd.ID, cmd.Overtime, true, prover, cmd.Inputs, cmd.Publics); err != nil {
		log.Error().Err(err).Msg("start miner test")
	}
}

// startJob admits into task_working, writing the job's input file and
// launching a container from the prover's already-pulled image. Callers
// hold no lock — Orchestrator.Run serializes all state mutation by
// construction.
func (o *Orchestrator) startJob(jobKey string, taskID uint64, overtime uint64, isMiner bool, prover *types.Prover, inputs, publics []byte) error {
	if err := writeTaskInput(o.cfg.BasePath, jobKey, inputs, publics); err != nil {
		return err
	}

	// overtime is a unix-seconds deadline; the host takes the seconds left.
	var budget uint64
	if now := uint64(time.Now().Unix()); overtime > now {
		budget = overtime - now
	}

	runTimer := metrics.NewTimer()
	handle, err := o.host.Run(context.Background(), prover.Image, containerhost.RunOptions{
		JobID:      jobKey,
		ZKVMTag:    prover.Tag,
		Overtime:   budget,
		InputPath:  inputPath(o.cfg.BasePath, jobKey),
		OutputPath: outputPath(o.cfg.BasePath, jobKey),
		ProofPath:  proofPath(o.cfg.BasePath, jobKey),
		CPULimit:   o.cfg.DefaultOptions.CPULimit,
		MemoryMB:   o.cfg.DefaultOptions.MemoryMB,
	})
	runTimer.ObserveDuration(metrics.ContainerRunDuration)
	if err != nil {
		return fmt.Errorf("%w: run container: %v", errs.ErrContainer, err)
	}

	o.taskWorking[jobKey] = &workingEntry{
		taskID:    taskID,
		createdAt: time.Now(),
		overtime:  overtime,
		container: handle,
		isMiner:   isMiner,
	}
	if o.taskParallel > 0 {
		o.taskParallel--
	}
	return nil
}

// handleUploadProof pairs a completed job with the on-chain submit call (or
// the proxy reply, if ApiTask registered this job key as proxied), then
// retires the working entry and restores its parallelism slot.
func (o *Orchestrator) handleUploadProof(cmd *UploadProofCmd) {
	log := logx.WithComponent("orchestrator").With().Str("job_key", cmd.JobKey).Logger()

	entry, ok := o.taskWorking[cmd.JobKey]
	if !ok {
		log.Debug().Msg("upload for unknown job, dropping")
		return
	}
	delete(o.taskWorking, cmd.JobKey)
	o.taskParallel++

	if deadline, proxied := o.taskProxy[cmd.JobKey]; proxied {
		delete(o.taskProxy, cmd.JobKey)
		if time.Now().Before(deadline) {
			if err := writeProxyOutput(o.cfg.BasePath, cmd.JobKey, cmd.Publics, cmd.Proof); err != nil {
				log.Error().Err(err).Msg("write proxy output")
			}
		}
		if err := removeTaskInput(o.cfg.BasePath, cmd.JobKey); err != nil {
			log.Warn().Err(err).Msg("remove job input file")
		}
		return
	}

	if err := removeTaskInput(o.cfg.BasePath, cmd.JobKey); err != nil {
		log.Warn().Err(err).Msg("remove job input file")
	}

	if entry.isMiner {
		if time.Now().Unix() > int64(entry.overtime) {
			log.Debug().Msg("miner test result past its overtime deadline, dropping submission")
			return
		}
		if o.txpool != nil {
			o.txpool.Send(txpool.Intent{Kind: txpool.IntentSubmitMinerTest, TaskID: entry.taskID, Proof: cmd.Proof, Success: len(cmd.Proof) > 0})
		}
		return
	}

	if o.txpool != nil {
		o.txpool.Send(txpool.Intent{Kind: txpool.IntentSubmitTask, TaskID: entry.taskID, Proof: cmd.Proof})
	}

	task, err := o.store.GetTask(entry.taskID)
	if err != nil {
		log.Error().Err(err).Msg("load task for completion")
		return
	}
	task.Done = true
	if err := o.store.AddTask(task); err != nil {
		log.Error().Err(err).Msg("persist completed task")
	}
	o.broker.Publish(&events.Event{Type: events.EventTaskCompleted, Message: cmd.JobKey})

	o.popNextPending()
}

// handleApiTask registers a job key as proxied: its eventual UploadProof
// writes its result to a file for external pickup instead of going on-chain,
// as long as it lands before deadline.
func (o *Orchestrator) handleApiTask(cmd *ApiTaskCmd) {
	o.taskProxy[cmd.JobKey] = cmd.Deadline
}

// handleApproveProver re-pulls the prover's image at its new version and
// swaps the stored record, removing the superseded image.
func (o *Orchestrator) handleApproveProver(cmd *ApproveProverCmd) {
	log := logx.WithComponent("orchestrator").With().Str("prover", cmd.Prover.Hex()).Logger()

	existing, err := o.store.GetProver(cmd.Prover)
	if err != nil {
		log.Debug().Err(err).Msg("approve for unknown prover, dropping")
		return
	}

	tag := fmt.Sprintf("v%d", cmd.Version)
	pullTimer := metrics.NewTimer()
	handle, err := o.host.Pull(context.Background(), existing.Name, tag)
	pullTimer.ObserveDuration(metrics.ContainerPullDuration)
	if err != nil {
		log.Error().Err(err).Msg("pull upgraded prover image")
		return
	}

	oldImage := existing.Image
	existing.Image = handle
	existing.Tag = tag
	existing.Overtime = cmd.Overtime
	if err := o.store.AddProver(existing); err != nil {
		log.Error().Err(err).Msg("persist upgraded prover")
		return
	}

	if oldImage != "" && oldImage != handle {
		if err := o.host.Remove(context.Background(), oldImage); err != nil {
			log.Warn().Err(err).Msg("remove superseded prover image")
		}
	}
}

// handlePullProver is the admin install path: pull the image and record a
// new prover, idempotently on the address.
func (o *Orchestrator) handlePullProver(cmd *PullProverCmd) {
	log := logx.WithComponent("orchestrator").With().Str("prover", cmd.Prover.Hex()).Logger()

	pullTimer := metrics.NewTimer()
	handle, err := o.host.Pull(context.Background(), cmd.Name, cmd.Tag)
	pullTimer.ObserveDuration(metrics.ContainerPullDuration)
	if err != nil {
		log.Error().Err(err).Msg("pull prover image")
		return
	}

	prover := &types.Prover{
		Address:   cmd.Prover,
		Tag:       cmd.Tag,
		Image:     handle,
		Name:      cmd.Name,
		Overtime:  cmd.Overtime,
		Type:      types.ProverTypeDocker,
		CreatedAt: time.Now(),
	}
	if err := o.store.AddProver(prover); err != nil {
		log.Error().Err(err).Msg("persist pulled prover")
	}
}

// handleRemoveProver is the admin uninstall path.
func (o *Orchestrator) handleRemoveProver(cmd *RemoveProverCmd) {
	log := logx.WithComponent("orchestrator").With().Str("prover", cmd.Prover.Hex()).Logger()

	prover, err := o.store.RemoveProver(cmd.Prover)
	if err != nil {
		log.Debug().Err(err).Msg("remove unknown prover, dropping")
		return
	}
	if prover.Image == "" {
		return
	}
	removeTimer := metrics.NewTimer()
	err = o.host.Remove(context.Background(), prover.Image)
	removeTimer.ObserveDuration(metrics.ContainerRemoveDuration)
	if err != nil {
		log.Warn().Err(err).Msg("remove prover image")
	}
}

// handleChangeController rotates the active signing identity: it persists
// the new MainController row, then fans the rotation out to TxPool and
// telemetry. Neither fan-out call reports failure and nothing here is
// retried; a failed Store write is logged and the rotation still fans out.
func (o *Orchestrator) handleChangeController(cmd *ChangeControllerCmd) {
	log := logx.WithComponent("orchestrator").With().Str("controller", cmd.Wallet.Hex()).Logger()

	key, err := crypto.ToECDSA(cmd.SigningKey[:])
	if err != nil {
		log.Error().Err(err).Msg("invalid signing key, controller rotation dropped")
		return
	}
	if derived := crypto.PubkeyToAddress(key.PublicKey); derived != cmd.Wallet {
		log.Error().Str("derived", derived.Hex()).Msg("signing key does not match wallet, controller rotation dropped")
		return
	}

	if err := o.store.SetMainController(cmd.Wallet); err != nil {
		log.Error().Err(err).Msg("persist main controller, rotation may be inconsistent")
	}

	if o.txpool != nil {
		o.txpool.Send(txpool.Intent{Kind: txpool.IntentChangeController, NewController: cmd.Wallet, NewPrivateKey: key})
	}
	if o.telem != nil {
		o.telem.ReportControllerChange(cmd.Wallet)
	}
	o.broker.Publish(&events.Event{Type: events.EventControllerRotate, Message: cmd.Wallet.Hex()})
}

// popNextPending admits the head of task_pending now that a slot freed up,
// if any task is queued.
func (o *Orchestrator) popNextPending() {
	if o.taskParallel == 0 {
		return
	}
	front := o.taskPending.Front()
	if front == nil {
		return
	}
	o.taskPending.Remove(front)
	tid := front.Value.(uint64)
	if o.txpool != nil {
		o.txpool.Send(txpool.Intent{Kind: txpool.IntentAcceptTask, TaskID: tid})
	}
}

// handleHeartbeat reclaims task_working entries that ran past their
// deadline. Per the resolved Open Question, this restores the parallelism
// slot only — it does not force-remove the container, which is
// containerhost's own overtime backstop's job.
func (o *Orchestrator) handleHeartbeat() {
	now := time.Now().Unix()
	for jobKey, entry := range o.taskWorking {
		created := entry.createdAt.Unix()
		maxtime := created + 2*(int64(entry.overtime)-created)
		if now <= maxtime {
			continue
		}
		delete(o.taskWorking, jobKey)
		o.taskParallel++
		metrics.HeartbeatEvictionsTotal.Inc()
		logx.WithComponent("orchestrator").Warn().Str("job_key", jobKey).Msg("heartbeat reclaimed overtime task")
		o.popNextPending()
	}
}

// reportGauges refreshes the Prometheus gauges tracking funnel occupancy.
func (o *Orchestrator) reportGauges() {
	metrics.TasksWaiting.Set(float64(len(o.taskOnchain)))
	metrics.TasksPending.Set(float64(o.taskPending.Len()))
	metrics.TasksWorking.Set(float64(len(o.taskWorking)))
	metrics.ParallelSlotsFree.Set(float64(o.taskParallel))
}
