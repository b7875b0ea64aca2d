// Package telemetry periodically reports this miner's prover inventory to a
// collector endpoint and relays controller-rotation notices.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pozk-network/miner-orchestrator/internal/errs"
	"github.com/pozk-network/miner-orchestrator/internal/logx"
	"github.com/pozk-network/miner-orchestrator/pkg/containerhost"
	"github.com/pozk-network/miner-orchestrator/pkg/store"
)

// Reporter is the capability Orchestrator consumes for controller-rotation
// fan-out; Service below is the concrete HTTP-backed implementation.
type Reporter interface {
	ReportControllerChange(addr common.Address)
}

// Config controls where snapshots are pushed and how often.
type Config struct {
	Endpoint string
	Miner    common.Address
	Interval time.Duration
}

// snapshot is the wire payload POSTed on each tick.
type snapshot struct {
	Miner     common.Address           `json:"miner"`
	Timestamp time.Time                `json:"timestamp"`
	Images    map[string]imageSnapshot `json:"images"`
}

type imageSnapshot struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// controllerChangeEvent is the wire payload for a rotation notice.
type controllerChangeEvent struct {
	Miner      common.Address `json:"miner"`
	Controller common.Address `json:"controller"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Service joins ContainerHost's image inventory against the prover table
// and pushes the result to Config.Endpoint on a timer.
type Service struct {
	cfg   Config
	host  containerhost.Host
	store store.Store

	notify chan common.Address
}

// New builds a telemetry Service. A zero Config.Endpoint disables pushing
// of both snapshots and rotation notices.
func New(cfg Config, host containerhost.Host, st store.Store) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &Service{cfg: cfg, host: host, store: st, notify: make(chan common.Address, 16)}
}

// Run pushes a snapshot every Config.Interval and relays rotation notices,
// until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	log := logx.WithComponent("telemetry")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.pushSnapshot(ctx); err != nil {
				log.Warn().Err(err).Msg("push telemetry snapshot")
			}
		case addr := <-s.notify:
			if err := s.pushControllerChange(ctx, addr); err != nil {
				log.Warn().Err(err).Msg("push controller change notice")
			}
		}
	}
}

// ReportControllerChange queues a non-blocking rotation notice; it is
// dropped rather than blocking the caller if the notify buffer is full.
func (s *Service) ReportControllerChange(addr common.Address) {
	select {
	case s.notify <- addr:
	default:
		logx.WithComponent("telemetry").Warn().Str("controller", addr.Hex()).Msg("notify buffer full, dropping controller change report")
	}
}

func (s *Service) pushSnapshot(ctx context.Context) error {
	if s.cfg.Endpoint == "" {
		return nil
	}

	images, err := s.host.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: list images: %v", errs.ErrContainer, err)
	}

	snap := snapshot{Miner: s.cfg.Miner, Timestamp: time.Now(), Images: make(map[string]imageSnapshot, len(images))}
	for handle, meta := range images {
		snap.Images[handle] = imageSnapshot{Name: meta.Name, Size: meta.Size}
	}

	return s.post(ctx, s.cfg.Endpoint+"/snapshot", snap)
}

func (s *Service) pushControllerChange(ctx context.Context, addr common.Address) error {
	if s.cfg.Endpoint == "" {
		return nil
	}
	event := controllerChangeEvent{Miner: s.cfg.Miner, Controller: addr, Timestamp: time.Now()}
	return s.post(ctx, s.cfg.Endpoint+"/controller", event)
}

func (s *Service) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal telemetry payload: %v", errs.ErrInternal, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post telemetry: %v", errs.ErrInternal, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: telemetry endpoint returned status %d", errs.ErrInternal, resp.StatusCode)
	}
	return nil
}
