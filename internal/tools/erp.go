package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/httpretry"
)

// ERPClient submits sales orders to the ERP gateway.
//
// Failure mapping: 401 is ERP_AUTH_FAILED and never retried, other 4xx are
// ERP_CREATE_FAILED and never retried, network errors and 5xx are retried
// up to 3 times with backoff before surfacing as ERP_CONNECTION_FAILED or
// ERP_CREATE_FAILED.
type ERPClient struct {
	baseURL  string
	apiKey   string
	tenantID string
	http     httpretry.HTTPDoer
}

// NewERPClient creates an ERP gateway client. A nil doer gets a retrying
// client with the given timeout.
func NewERPClient(baseURL, apiKey, tenantID string, timeout time.Duration, doer httpretry.HTTPDoer) *ERPClient {
	if doer == nil {
		doer = httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 3)
	}
	return &ERPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		tenantID: tenantID,
		http:     doer,
	}
}

// CreateOrder posts the order payload. The result carries ok=false with a
// coded error for every failure mode; the error return is reserved for
// context cancellation.
func (c *ERPClient) CreateOrder(ctx context.Context, orderPayload map[string]any) (*domain.ERPCreateOrderResult, error) {
	body, err := json.Marshal(orderPayload)
	if err != nil {
		return erpFailure(domain.CodeERPCreateFailed, fmt.Sprintf("encode order payload: %v", err)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/orders", bytes.NewReader(body))
	if err != nil {
		return erpFailure(domain.CodeERPConnectionFailed, fmt.Sprintf("build request: %v", err)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return erpFailure(domain.CodeERPConnectionFailed, fmt.Sprintf("ERP request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return erpFailure(domain.CodeERPConnectionFailed, fmt.Sprintf("read ERP response: %v", err)), nil
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return erpFailure(domain.CodeERPAuthFailed, "Invalid credentials"), nil
	case resp.StatusCode >= 500:
		return erpFailure(domain.CodeERPCreateFailed, fmt.Sprintf("ERP returned %d after retries", resp.StatusCode)), nil
	case resp.StatusCode >= 400:
		return erpFailure(domain.CodeERPCreateFailed, fmt.Sprintf("ERP returned %d", resp.StatusCode)), nil
	}

	var result struct {
		SalesOrderNo string `json:"sales_order_no"`
		OrderURL     string `json:"order_url"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return erpFailure(domain.CodeERPInvalidResponse, fmt.Sprintf("decode ERP response: %v", err)), nil
	}
	if result.SalesOrderNo == "" {
		return erpFailure(domain.CodeERPInvalidResponse, "Missing sales_order_no in response"), nil
	}

	return &domain.ERPCreateOrderResult{
		OK:           true,
		SalesOrderNo: result.SalesOrderNo,
		OrderURL:     result.OrderURL,
	}, nil
}

func erpFailure(code, reason string) *domain.ERPCreateOrderResult {
	return &domain.ERPCreateOrderResult{
		OK:     false,
		Errors: []domain.ErrorInfo{{Code: code, Reason: reason}},
	}
}
