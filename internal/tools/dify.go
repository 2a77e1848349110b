// Package tools holds the external service clients the orchestration graph
// calls out to: LLM chat-flows, the ERP gateway, the blob store and the
// sales notifier.
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

	"github.com/mcsuite/mcs-orchestrator/internal/pkg/httpretry"
)

// DifyFile references a remote file passed to a chat-flow.
type DifyFile struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	URL            string `json:"url"`
}

// RemotePDF builds the file reference for a remote PDF URL.
func RemotePDF(url string) DifyFile {
	return DifyFile{Type: "document", TransferMethod: "remote_url", URL: url}
}

// DifyClient calls Dify chat-flows in blocking mode. The response answer is
// expected to be JSON, possibly wrapped in a fenced code block; parse
// failures come back as {ok:false, raw_answer} instead of errors so the
// graph can route them.
type DifyClient struct {
	baseURL string
	appKey  string
	apiPath string
	http    httpretry.HTTPDoer
}

// NewDifyClient creates a chat-flow client for one app key. A nil doer gets
// a retrying client with the given timeout; 429 and 5xx responses are
// retried up to 3 times with backoff.
func NewDifyClient(baseURL, appKey string, timeout time.Duration, doer httpretry.HTTPDoer) *DifyClient {
	if doer == nil {
		doer = httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 3)
	}
	return &DifyClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		appKey:  appKey,
		apiPath: "/v1/chat-messages",
		http:    doer,
	}
}

type chatflowRequest struct {
	Inputs       map[string]any `json:"inputs"`
	Query        string         `json:"query"`
	User         string         `json:"user"`
	ResponseMode string         `json:"response_mode"`
	Files        []DifyFile     `json:"files,omitempty"`
}

// Chatflow posts one blocking chat-flow invocation and returns the parsed
// answer object. Transport failures and unparseable answers are reported in
// the returned map, not as errors; the error return covers request building
// and context cancellation only.
func (c *DifyClient) Chatflow(ctx context.Context, query, user string, inputs map[string]any, files []DifyFile) (map[string]any, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	body, err := json.Marshal(chatflowRequest{
		Inputs:       inputs,
		Query:        query,
		User:         user,
		ResponseMode: "blocking",
		Files:        files,
	})
	if err != nil {
		return nil, fmt.Errorf("dify: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.apiPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dify: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.appKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return failure(fmt.Sprintf("Dify API call failed: %v", err), ""), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure(fmt.Sprintf("Dify API read failed: %v", err), ""), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failure(fmt.Sprintf("Dify API returned %d", resp.StatusCode), string(respBody)), nil
	}

	var envelope struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return failure(fmt.Sprintf("Dify API response decode failed: %v", err), string(respBody)), nil
	}

	return ParseJSONAnswer(envelope.Answer), nil
}

func failure(reason, raw string) map[string]any {
	out := map[string]any{"ok": false, "reason": reason}
	if raw != "" {
		out["raw_answer"] = raw
	}
	return out
}

// ParseJSONAnswer parses a chat-flow answer as JSON. Markdown code fences
// and surrounding prose are tolerated; when nothing parses the raw answer
// is preserved for manual inspection.
func ParseJSONAnswer(answer string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(answer), &out); err == nil {
		return out
	}

	// Fenced code block
	if idx := strings.Index(answer, "```json"); idx >= 0 {
		rest := answer[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end > 0 {
			if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &out); err == nil {
				return out
			}
		}
	}

	// First { .. last }
	start := strings.Index(answer, "{")
	end := strings.LastIndex(answer, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(answer[start:end+1]), &out); err == nil {
			return out
		}
	}

	return map[string]any{
		"ok":         false,
		"reason":     "Failed to parse JSON from Dify answer",
		"raw_answer": answer,
	}
}
