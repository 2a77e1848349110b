package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return mr, client, func() {
		client.Close()
		mr.Close()
	}
}

func sampleSnapshot(runID string) *Snapshot {
	return &Snapshot{
		RunID:    runID,
		NextNode: "match_customer",
		State: &domain.RunState{
			RunID: runID,
			EmailEvent: &domain.InboundMessage{
				Channel:   domain.ChannelEmail,
				MessageID: "msg-001",
				SenderID:  "buyer@customer.example",
			},
			Errors:   []domain.ErrorInfo{},
			Warnings: []string{},
		},
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	require.NoError(t, store.Save(ctx, sampleSnapshot("run-1")))

	snap, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "match_customer", snap.NextNode)
	assert.Equal(t, "msg-001", snap.State.EmailEvent.MessageID)
	assert.NotEmpty(t, snap.UpdatedAt)

	// Save replaces the prior snapshot
	next := sampleSnapshot("run-1")
	next.NextNode = "call_dify_contract"
	require.NoError(t, store.Save(ctx, next))
	snap, err = store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "call_dify_contract", snap.NextNode)
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRejectsEmptyRunID(t *testing.T) {
	store := NewMemoryStore()
	assert.Error(t, store.Save(context.Background(), &Snapshot{}))
}

func TestRedisStoreRoundTrip(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRedisStore(client, 0)

	require.NoError(t, store.Save(ctx, sampleSnapshot("run-7")))

	snap, err := store.Load(ctx, "run-7")
	require.NoError(t, err)
	assert.Equal(t, "run-7", snap.RunID)
	assert.Equal(t, "match_customer", snap.NextNode)
	assert.Equal(t, domain.ChannelEmail, snap.State.EmailEvent.Channel)
}

func TestRedisStoreNotFound(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewRedisStore(client, 0)
	_, err := store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreDelete(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRedisStore(client, 0)
	require.NoError(t, store.Save(ctx, sampleSnapshot("run-9")))
	require.NoError(t, store.Delete(ctx, "run-9"))

	_, err := store.Load(ctx, "run-9")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is not an error
	assert.NoError(t, store.Delete(ctx, "run-9"))
}

func TestMemoryStoreUpdatePatchesState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, sampleSnapshot("run-1")))

	err := store.Update(ctx, "run-1", map[string]any{
		"idempotency_key": "abc123",
		"warnings":        []string{"masterdata snapshot was stale"},
	})
	require.NoError(t, err)

	snap, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", snap.State.IdempotencyKey)
	assert.Equal(t, []string{"masterdata snapshot was stale"}, snap.State.Warnings)
	// Untouched fields survive the patch.
	assert.Equal(t, "msg-001", snap.State.EmailEvent.MessageID)
	assert.Equal(t, "match_customer", snap.NextNode)
}

func TestMemoryStoreUpdateMissingRun(t *testing.T) {
	store := NewMemoryStore()
	err := store.Update(context.Background(), "missing", map[string]any{"idempotency_key": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreStreamResume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := sampleSnapshot("run-1")
	require.NoError(t, store.Save(ctx, first))
	second := sampleSnapshot("run-1")
	second.NextNode = "call_dify_contract"
	require.NoError(t, store.Save(ctx, second))

	steps, err := store.StreamResume(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "match_customer", steps[0].NextNode)
	assert.Equal(t, "call_dify_contract", steps[1].NextNode)

	// Delete clears the journal with the snapshot.
	require.NoError(t, store.Delete(ctx, "run-1"))
	steps, err = store.StreamResume(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestRedisStoreUpdatePatchesState(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRedisStore(client, 0)
	require.NoError(t, store.Save(ctx, sampleSnapshot("run-2")))

	err := store.Update(ctx, "run-2", map[string]any{"final_status": "SUCCESS"})
	require.NoError(t, err)

	snap, err := store.Load(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, snap.State.FinalStatus)
	assert.Equal(t, "msg-001", snap.State.EmailEvent.MessageID)

	// Updates do not journal a step.
	steps, err := store.StreamResume(ctx, "run-2")
	require.NoError(t, err)
	assert.Len(t, steps, 1)

	assert.ErrorIs(t, store.Update(ctx, "missing", map[string]any{"final_status": "SUCCESS"}), ErrNotFound)
}

func TestRedisStoreStreamResume(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRedisStore(client, 0)

	first := sampleSnapshot("run-3")
	require.NoError(t, store.Save(ctx, first))
	second := sampleSnapshot("run-3")
	second.NextNode = "call_gateway"
	require.NoError(t, store.Save(ctx, second))

	steps, err := store.StreamResume(ctx, "run-3")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "match_customer", steps[0].NextNode)
	assert.Equal(t, "call_gateway", steps[1].NextNode)

	require.NoError(t, store.Delete(ctx, "run-3"))
	steps, err = store.StreamResume(ctx, "run-3")
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestRedisStoreExpiryOnlyAfterFinalize(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRedisStore(client, time.Hour)

	// Mid-flight and MANUAL_REVIEW snapshots never expire: a paused run must
	// stay resumable for as long as the reviewer takes.
	midFlight := sampleSnapshot("run-4")
	require.NoError(t, store.Save(ctx, midFlight))
	assert.Equal(t, time.Duration(0), mr.TTL(keyPrefix+"run-4"))

	paused := sampleSnapshot("run-4")
	paused.State.FinalStatus = domain.StatusManualReview
	require.NoError(t, store.Save(ctx, paused))
	assert.Equal(t, time.Duration(0), mr.TTL(keyPrefix+"run-4"))

	// The retention clock starts at finalize.
	finalized := sampleSnapshot("run-4")
	finalized.State.FinalStatus = domain.StatusSuccess
	require.NoError(t, store.Save(ctx, finalized))
	assert.Equal(t, time.Hour, mr.TTL(keyPrefix+"run-4"))
	assert.Equal(t, time.Hour, mr.TTL(stepsKey("run-4")))
}
