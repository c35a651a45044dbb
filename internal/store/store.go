// Package store owns the durable state document.
//
// The whole trading state — orders, fills, events, balances, settings — is a
// single JSON document on disk. Every mutation flows through Update, which
// serializes in-process callers behind a mutex, takes a cross-process
// advisory lock, re-reads the file, applies the caller's function, and
// atomically replaces the file (write .tmp, fsync, rename). A crash at any
// point leaves either the previous or the new state on disk, never a partial
// write.
//
// The advisory lock is a lockfile next to the state file. A lock older than
// the staleness timeout is presumed abandoned by a dead process and is
// broken. Other processes may read the state file directly when stale reads
// are acceptable (report tooling does); only this store writes it.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"upbit-trader/internal/config"
	"upbit-trader/pkg/types"
)

const lockRetryInterval = 25 * time.Millisecond

// Store persists the state document.
type Store struct {
	path       string
	lockPath   string
	staleAfter time.Duration
	keepLatest bool
	retention  config.RetentionConfig
	logger     *slog.Logger

	mu    sync.Mutex  // serializes in-process writers
	state types.State // in-memory copy, authoritative between updates
}

// Open loads the state file, creating an empty document if missing.
func Open(cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	staleAfter := cfg.LockStaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}

	s := &Store{
		path:       cfg.Path,
		lockPath:   cfg.Path + ".lock",
		staleAfter: staleAfter,
		keepLatest: cfg.KeepLatest,
		retention:  cfg.Retention,
		logger:     logger.With("component", "store"),
	}

	state, err := readStateFile(cfg.Path)
	if err != nil {
		return nil, err
	}
	s.state = *state
	return s, nil
}

// Update applies a mutation atomically. applyFn receives the current state
// by exclusive reference; when it returns nil the state is persisted (and
// pruned, when retention is on) before Update returns.
func (s *Store) Update(applyFn func(*types.State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	// Re-read under the lock: another process may have written since our
	// in-memory copy was taken.
	state, err := readStateFile(s.path)
	if err != nil {
		return err
	}

	if err := applyFn(state); err != nil {
		return err
	}

	if s.keepLatest {
		prune(state, s.retention)
	}

	if err := writeStateFile(s.path, state); err != nil {
		return err
	}
	s.state = *state
	return nil
}

// Snapshot returns a deep copy of the current state. Mutating the copy has
// no effect on the store.
func (s *Store) Snapshot() types.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopy(&s.state)
}

// FindOrderByID returns the order with the given local id, or nil.
func (s *Store) FindOrderByID(id string) *types.Order {
	snap := s.Snapshot()
	return snap.FindOrder(id)
}

// GetOpenOrders returns all orders in open states.
func (s *Store) GetOpenOrders() []types.Order {
	snap := s.Snapshot()
	return snap.OpenOrders()
}

// ————————————————————————————————————————————————————————————————————————
// Locking
// ————————————————————————————————————————————————————————————————————————

// acquireLock blocks until the cross-process lockfile is held. A lockfile
// whose mtime is older than the staleness timeout is broken and re-taken.
func (s *Store) acquireLock() (release func(), err error) {
	deadline := time.Now().Add(2 * s.staleAfter)

	for {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d %d", os.Getpid(), time.Now().UnixMilli())
			f.Close()
			return func() { os.Remove(s.lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire state lock: %w", err)
		}

		if info, statErr := os.Stat(s.lockPath); statErr == nil {
			if time.Since(info.ModTime()) > s.staleAfter {
				s.logger.Warn("breaking stale state lock", "age", time.Since(info.ModTime()))
				os.Remove(s.lockPath)
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire state lock: timed out after %v", 2*s.staleAfter)
		}
		time.Sleep(lockRetryInterval)
	}
}

// ————————————————————————————————————————————————————————————————————————
// File I/O
// ————————————————————————————————————————————————————————————————————————

func readStateFile(path string) (*types.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &types.State{}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var state types.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return &state, nil
}

func writeStateFile(path string, state *types.State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	return os.Rename(tmp, path)
}

func deepCopy(state *types.State) types.State {
	data, err := json.Marshal(state)
	if err != nil {
		return types.State{}
	}
	var out types.State
	if err := json.Unmarshal(data, &out); err != nil {
		return types.State{}
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Retention
// ————————————————————————————————————————————————————————————————————————

// prune caps each array at its configured retention. Open orders are always
// preserved; only closed orders count against the closed-orders cap.
func prune(state *types.State, r config.RetentionConfig) {
	if r.ClosedOrders > 0 {
		var open, closed []types.Order
		for _, o := range state.Orders {
			if o.State.IsOpen() {
				open = append(open, o)
			} else {
				closed = append(closed, o)
			}
		}
		closed = tail(closed, r.ClosedOrders)
		state.Orders = append(open, closed...)
	}
	state.OrderEvents = tail(state.OrderEvents, r.OrderEvents)
	state.Fills = tail(state.Fills, r.Fills)
	state.StrategyRuns = tail(state.StrategyRuns, r.StrategyRuns)
	state.BalancesSnapshots = tail(state.BalancesSnapshots, r.BalancesSnapshots)
	state.RiskEvents = tail(state.RiskEvents, r.RiskEvents)
	state.SystemHealth = tail(state.SystemHealth, r.SystemHealth)
	state.AgentAudit = tail(state.AgentAudit, r.AgentAudit)
}

func tail[T any](xs []T, n int) []T {
	if n <= 0 || len(xs) <= n {
		return xs
	}
	return append([]T(nil), xs[len(xs)-n:]...)
}
