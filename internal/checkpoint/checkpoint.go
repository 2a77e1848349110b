// Package checkpoint persists per-run orchestration state so that runs can
// pause, crash and resume without losing progress. A snapshot is written at
// every step boundary; resume loads the latest snapshot and re-enters the
// graph at the recorded node.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
)

// ErrNotFound is returned when no snapshot exists for a run.
var ErrNotFound = errors.New("checkpoint: snapshot not found")

// Snapshot is one durable state capture for a run. NextNode names the node
// the graph should enter when execution continues; empty means the run is
// finished.
type Snapshot struct {
	RunID     string           `json:"run_id"`
	NextNode  string           `json:"next_node,omitempty"`
	State     *domain.RunState `json:"state"`
	UpdatedAt string           `json:"updated_at"`
}

// Store is the checkpoint backend. Writes for a run are atomic: a reader
// sees either the previous snapshot or the new one, never a mix.
type Store interface {
	// Save writes the snapshot for its run, replacing any prior one, and
	// appends it to the run's step journal.
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns the latest snapshot for runID, or ErrNotFound.
	Load(ctx context.Context, runID string) (*Snapshot, error)
	// Update applies a partial state patch to the stored snapshot without
	// journaling a step. Patch keys are state JSON fields; values replace
	// the field wholesale. Returns ErrNotFound when no snapshot exists.
	Update(ctx context.Context, runID string, patch map[string]any) error
	// StreamResume returns the run's per-step snapshots oldest first, so a
	// resume can replay how the state was built up. Empty when the run was
	// never journaled.
	StreamResume(ctx context.Context, runID string) ([]*Snapshot, error)
	// Delete removes the snapshot and step journal for runID. Missing
	// snapshots are not an error.
	Delete(ctx context.Context, runID string) error
	// Close releases backend resources.
	Close() error
}

// patchState merges patch into the state by JSON round-trip: the state is
// flattened to a field map, patch keys overwrite, and the result is decoded
// back. Unknown keys are dropped by the decode, matching Save semantics.
func patchState(state *domain.RunState, patch map[string]any) (*domain.RunState, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode state for patch: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("checkpoint: decode state for patch: %w", err)
	}
	for k, v := range patch {
		fields[k] = v
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode patched state: %w", err)
	}
	out := &domain.RunState{}
	if err := json.Unmarshal(merged, out); err != nil {
		return nil, fmt.Errorf("checkpoint: decode patched state: %w", err)
	}
	return out, nil
}

// MemoryStore keeps snapshots in process memory. Used in tests and when
// CHECKPOINT_BACKEND=memory; state does not survive a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
	steps map[string][]*Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]*Snapshot),
		steps: make(map[string][]*Snapshot),
	}
}

// Save stores a copy of the snapshot keyed by run ID and journals it.
func (s *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	if snap == nil || snap.RunID == "" {
		return errors.New("checkpoint: snapshot requires a run_id")
	}
	cp := *snap
	cp.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	s.mu.Lock()
	s.snaps[snap.RunID] = &cp
	s.steps[snap.RunID] = append(s.steps[snap.RunID], &cp)
	s.mu.Unlock()
	return nil
}

// Load returns the snapshot for runID.
func (s *MemoryStore) Load(_ context.Context, runID string) (*Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.snaps[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

// Update patches the stored state for runID in place.
func (s *MemoryStore) Update(_ context.Context, runID string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[runID]
	if !ok {
		return ErrNotFound
	}
	state, err := patchState(snap.State, patch)
	if err != nil {
		return err
	}
	cp := *snap
	cp.State = state
	cp.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	s.snaps[runID] = &cp
	return nil
}

// StreamResume returns the journaled step snapshots for runID, oldest first.
func (s *MemoryStore) StreamResume(_ context.Context, runID string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := s.steps[runID]
	out := make([]*Snapshot, len(steps))
	for i, snap := range steps {
		cp := *snap
		out[i] = &cp
	}
	return out, nil
}

// Delete removes the snapshot and step journal for runID.
func (s *MemoryStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	delete(s.snaps, runID)
	delete(s.steps, runID)
	s.mu.Unlock()
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
