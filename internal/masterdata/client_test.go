package masterdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
)

func newMasterDataServer(version *int64, allCalls *int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/masterdata/version":
			json.NewEncoder(w).Encode(map[string]int64{"version": atomic.LoadInt64(version)})
		case "/v1/masterdata/all":
			atomic.AddInt64(allCalls, 1)
			snap := domain.MasterDataSnapshot{
				Version: atomic.LoadInt64(version),
				Customers: []domain.Customer{
					{CustomerID: "cust-1", CustomerNum: "C001", Name: "Acme Industrial"},
				},
				Contacts: []domain.Contact{
					{ContactID: "ct-1", Email: "Buyer@Acme.example", CustomerID: "cust-1"},
				},
			}
			json.NewEncoder(w).Encode(snap)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestSnapshotFetchAndIndex(t *testing.T) {
	version, allCalls := int64(1), int64(0)
	srv := newMasterDataServer(&version, &allCalls)
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", 5*time.Minute, srv.Client())
	snap, err := client.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), snap.Version)
	require.NotNil(t, snap.CustomerByID("cust-1"))

	// Lookup is case-insensitive on trimmed email
	contact := snap.ContactByEmail("  buyer@acme.EXAMPLE ")
	require.NotNil(t, contact)
	assert.Equal(t, "ct-1", contact.ContactID)
}

func TestSnapshotCachedWhileVersionUnchanged(t *testing.T) {
	version, allCalls := int64(1), int64(0)
	srv := newMasterDataServer(&version, &allCalls)
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Minute, srv.Client())
	ctx := context.Background()

	_, err := client.Snapshot(ctx)
	require.NoError(t, err)
	_, err = client.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&allCalls))
}

func TestSnapshotRefetchesOnVersionBump(t *testing.T) {
	version, allCalls := int64(1), int64(0)
	srv := newMasterDataServer(&version, &allCalls)
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Minute, srv.Client())
	ctx := context.Background()

	snap, err := client.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)

	atomic.StoreInt64(&version, 2)

	snap, err = client.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, int64(2), atomic.LoadInt64(&allCalls))
}

func TestSnapshotErrorWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", time.Minute, srv.Client())
	_, err := client.Snapshot(context.Background())
	assert.Error(t, err)
}
