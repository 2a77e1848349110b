package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
)

const keyPrefix = "mcs:checkpoint:"

// RedisStore persists snapshots as JSON values in Redis. Snapshots for runs
// that are mid-flight or paused in MANUAL_REVIEW never expire; the retention
// TTL starts only once the run is finalized, so a paused run stays resumable
// for as long as it takes a reviewer to decide.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing Redis client. ttl is the retention period
// for finalized runs; zero disables expiry entirely.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func stepsKey(runID string) string { return keyPrefix + runID + ":steps" }

// expiry returns the TTL to apply for a snapshot: the retention period once
// the run is finalized (MANUAL_REVIEW excluded, it must outlive any pause),
// no expiry otherwise.
func (s *RedisStore) expiry(snap *Snapshot) time.Duration {
	if snap.State == nil {
		return 0
	}
	final := snap.State.FinalStatus
	if final == "" || final == domain.StatusManualReview || !final.Terminal() {
		return 0
	}
	return s.ttl
}

// Save writes the snapshot for its run and appends it to the step journal.
// The value is a single JSON blob so the write is atomic.
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.RunID == "" {
		return fmt.Errorf("checkpoint: snapshot requires a run_id")
	}
	snap.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal snapshot for run %s: %w", snap.RunID, err)
	}
	ttl := s.expiry(snap)
	if err := s.client.Set(ctx, keyPrefix+snap.RunID, data, ttl).Err(); err != nil {
		return fmt.Errorf("checkpoint: save snapshot for run %s: %w", snap.RunID, err)
	}
	if err := s.client.RPush(ctx, stepsKey(snap.RunID), data).Err(); err != nil {
		return fmt.Errorf("checkpoint: journal step for run %s: %w", snap.RunID, err)
	}
	if ttl > 0 {
		if err := s.client.Expire(ctx, stepsKey(snap.RunID), ttl).Err(); err != nil {
			return fmt.Errorf("checkpoint: expire journal for run %s: %w", snap.RunID, err)
		}
	}
	return nil
}

// Load returns the latest snapshot for runID.
func (s *RedisStore) Load(ctx context.Context, runID string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, keyPrefix+runID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load snapshot for run %s: %w", runID, err)
	}
	snap := &Snapshot{State: &domain.RunState{}}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("checkpoint: decode snapshot for run %s: %w", runID, err)
	}
	return snap, nil
}

// Update patches the stored state for runID without journaling a step.
func (s *RedisStore) Update(ctx context.Context, runID string, patch map[string]any) error {
	snap, err := s.Load(ctx, runID)
	if err != nil {
		return err
	}
	state, err := patchState(snap.State, patch)
	if err != nil {
		return err
	}
	snap.State = state
	snap.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal snapshot for run %s: %w", runID, err)
	}
	if err := s.client.Set(ctx, keyPrefix+runID, data, s.expiry(snap)).Err(); err != nil {
		return fmt.Errorf("checkpoint: update snapshot for run %s: %w", runID, err)
	}
	return nil
}

// StreamResume returns the journaled step snapshots for runID, oldest first.
func (s *RedisStore) StreamResume(ctx context.Context, runID string) ([]*Snapshot, error) {
	raw, err := s.client.LRange(ctx, stepsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read journal for run %s: %w", runID, err)
	}
	out := make([]*Snapshot, 0, len(raw))
	for _, item := range raw {
		snap := &Snapshot{State: &domain.RunState{}}
		if err := json.Unmarshal([]byte(item), snap); err != nil {
			return nil, fmt.Errorf("checkpoint: decode journal entry for run %s: %w", runID, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// Delete removes the snapshot and step journal for runID.
func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, keyPrefix+runID, stepsKey(runID)).Err(); err != nil {
		return fmt.Errorf("checkpoint: delete snapshot for run %s: %w", runID, err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
