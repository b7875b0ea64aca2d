package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pozk-network/miner-orchestrator/internal/errs"
	"github.com/pozk-network/miner-orchestrator/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketControllers  = []byte("controllers")
	bucketProvers      = []byte("provers")
	bucketTasks        = []byte("tasks")
	bucketSingletons   = []byte("singletons")
	keyScanCursor      = []byte("scan_cursor")
	keyMainController  = []byte("main_controller")
)

// Config controls how a BoltStore is opened.
type Config struct {
	// DataDir holds the bbolt file, named "orchestrator.db" within it.
	DataDir string
	// ResetOnOpen removes DataDir before opening. Test/dev only.
	ResetOnOpen bool
}

// BoltStore implements Store on top of go.etcd.io/bbolt, one bucket per
// entity table, JSON-encoded values.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB-backed Store under cfg.DataDir.
func NewBoltStore(cfg Config) (*BoltStore, error) {
	if cfg.ResetOnOpen {
		if err := os.RemoveAll(cfg.DataDir); err != nil {
			return nil, fmt.Errorf("%w: reset data dir: %v", errs.ErrStorage, err)
		}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", errs.ErrStorage, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "orchestrator.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", errs.ErrStorage, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketControllers, bucketProvers, bucketTasks, bucketSingletons} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// put marshals v as JSON and stores it under key in bucket.
func put(tx *bolt.Tx, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", errs.ErrStorage, err)
	}
	return tx.Bucket(bucket).Put(key, data)
}

// get decodes the value stored under key in bucket into v. Returns
// errs.ErrNotFound if the key is absent.
func get(tx *bolt.Tx, bucket, key []byte, v any) error {
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return errs.ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode: %v", errs.ErrStorage, err)
	}
	return nil
}

// --- Controllers ---

func (s *BoltStore) AddController(c *types.Controller) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketControllers, c.Address.Bytes(), c)
	})
}

func (s *BoltStore) GetController(addr common.Address) (*types.Controller, error) {
	var c types.Controller
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketControllers, addr.Bytes(), &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ContainsController(addr common.Address) (bool, error) {
	_, err := s.GetController(addr)
	if err == errs.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *BoltStore) RemoveController(addr common.Address) (*types.Controller, error) {
	c, err := s.GetController(addr)
	if err != nil {
		return nil, err
	}
	return c, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketControllers).Delete(addr.Bytes())
	})
}

func (s *BoltStore) ListControllers(offset, limit int) ([]*types.Controller, int, error) {
	limit = clampLimit(limit)
	var all []*types.Controller
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketControllers).ForEach(func(k, v []byte) error {
			var c types.Controller
			if err := json.Unmarshal(v, &c); err != nil {
				return nil // skip undecodable rows, don't poison iteration
			}
			all = append(all, &c)
			return nil
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return paginate(all, offset, limit), len(all), nil
}

func (s *BoltStore) CountControllers() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketControllers).Stats().KeyN
		return nil
	})
	return n, err
}

// --- Provers ---

func (s *BoltStore) AddProver(p *types.Prover) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketProvers, p.Address.Bytes(), p)
	})
}

func (s *BoltStore) GetProver(addr common.Address) (*types.Prover, error) {
	var p types.Prover
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketProvers, addr.Bytes(), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ContainsProver(addr common.Address) (bool, error) {
	_, err := s.GetProver(addr)
	if err == errs.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *BoltStore) RemoveProver(addr common.Address) (*types.Prover, error) {
	p, err := s.GetProver(addr)
	if err != nil {
		return nil, err
	}
	return p, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProvers).Delete(addr.Bytes())
	})
}

func (s *BoltStore) ListProvers(offset, limit int) ([]*types.Prover, int, error) {
	limit = clampLimit(limit)
	var all []*types.Prover
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProvers).ForEach(func(k, v []byte) error {
			var p types.Prover
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			all = append(all, &p)
			return nil
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return paginate(all, offset, limit), len(all), nil
}

func (s *BoltStore) CountProvers() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketProvers).Stats().KeyN
		return nil
	})
	return n, err
}

// --- Tasks ---

func taskKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

func (s *BoltStore) AddTask(t *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTasks, taskKey(t.ID), t)
	})
}

func (s *BoltStore) GetTask(id uint64) (*types.Task, error) {
	var t types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketTasks, taskKey(id), &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ContainsTask(id uint64) (bool, error) {
	_, err := s.GetTask(id)
	if err == errs.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *BoltStore) RemoveTask(id uint64) (*types.Task, error) {
	t, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	return t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete(taskKey(id))
	})
}

func (s *BoltStore) ListTasks(offset, limit int) ([]*types.Task, int, error) {
	limit = clampLimit(limit)
	var all []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			all = append(all, &t)
			return nil
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return paginate(all, offset, limit), len(all), nil
}

func (s *BoltStore) CountTasks() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketTasks).Stats().KeyN
		return nil
	})
	return n, err
}

// --- Singletons ---

func (s *BoltStore) GetScanCursor() (*types.ScanCursor, error) {
	var c types.ScanCursor
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketSingletons, keyScanCursor, &c)
	})
	if err == errs.ErrNotFound {
		return &types.ScanCursor{Height: 0}, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) SetScanCursor(height uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketSingletons, keyScanCursor, &types.ScanCursor{Height: height})
	})
}

func (s *BoltStore) GetMainController() (*types.MainController, error) {
	var m types.MainController
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketSingletons, keyMainController, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) SetMainController(addr common.Address) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketSingletons, keyMainController, &types.MainController{
			Controller: addr,
			UpdatedAt:  time.Now(),
		})
	})
}

// paginate applies offset/limit over an already-materialized slice. Table
// order is bbolt's byte-wise key order, not insertion order, and is not
// guaranteed by the contract above it.
func paginate[T any](all []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []T{}
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}
