package tools

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
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/httpretry"
)

func TestCreateOrderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/orders", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("X-API-Key"))
		assert.Equal(t, "tenant-1", r.Header.Get("X-Tenant-ID"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "K-10023", payload["customer_num"])

		json.NewEncoder(w).Encode(map[string]any{
			"sales_order_no": "SO-2026-0815",
			"order_url":      "https://erp.example.com/orders/SO-2026-0815",
		})
	}))
	defer srv.Close()

	client := NewERPClient(srv.URL, "key-1", "tenant-1", 5*time.Second, srv.Client())
	result, err := client.CreateOrder(context.Background(), map[string]any{"customer_num": "K-10023"})
	require.NoError(t, err)
	require.True(t, result.OK)
	assert.Equal(t, "SO-2026-0815", result.SalesOrderNo)
	assert.Equal(t, "https://erp.example.com/orders/SO-2026-0815", result.OrderURL)
}

func TestCreateOrderAuthFailed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	doer := httpretry.NewRetryClient(srv.Client(), 3).WithDelays(time.Millisecond, 5*time.Millisecond)
	client := NewERPClient(srv.URL, "bad-key", "tenant-1", 5*time.Second, doer)
	result, err := client.CreateOrder(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.False(t, result.OK)
	assert.Equal(t, domain.CodeERPAuthFailed, result.Errors[0].Code)
	assert.Equal(t, int32(1), calls.Load(), "401 must not be retried")
}

func TestCreateOrderValidationError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad order", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	doer := httpretry.NewRetryClient(srv.Client(), 3).WithDelays(time.Millisecond, 5*time.Millisecond)
	client := NewERPClient(srv.URL, "key-1", "tenant-1", 5*time.Second, doer)
	result, err := client.CreateOrder(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.False(t, result.OK)
	assert.Equal(t, domain.CodeERPCreateFailed, result.Errors[0].Code)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestCreateOrderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"sales_order_no": "SO-1"})
	}))
	defer srv.Close()

	doer := httpretry.NewRetryClient(srv.Client(), 3).WithDelays(time.Millisecond, 5*time.Millisecond)
	client := NewERPClient(srv.URL, "key-1", "tenant-1", 5*time.Second, doer)
	result, err := client.CreateOrder(context.Background(), map[string]any{"customer_num": "K-1"})
	require.NoError(t, err)
	require.True(t, result.OK)
	assert.Equal(t, "SO-1", result.SalesOrderNo)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCreateOrderExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	doer := httpretry.NewRetryClient(srv.Client(), 2).WithDelays(time.Millisecond, 5*time.Millisecond)
	client := NewERPClient(srv.URL, "key-1", "tenant-1", 5*time.Second, doer)
	result, err := client.CreateOrder(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.False(t, result.OK)
	assert.Equal(t, domain.CodeERPCreateFailed, result.Errors[0].Code)
}

func TestCreateOrderMissingOrderNo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"order_url": "https://erp.example.com/orders/x"})
	}))
	defer srv.Close()

	client := NewERPClient(srv.URL, "key-1", "tenant-1", 5*time.Second, srv.Client())
	result, err := client.CreateOrder(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.False(t, result.OK)
	assert.Equal(t, domain.CodeERPInvalidResponse, result.Errors[0].Code)
}

func TestCreateOrderConnectionRefused(t *testing.T) {
	client := NewERPClient("http://127.0.0.1:1", "key-1", "tenant-1", time.Second, &http.Client{Timeout: time.Second})
	result, err := client.CreateOrder(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.False(t, result.OK)
	assert.Equal(t, domain.CodeERPConnectionFailed, result.Errors[0].Code)
}
