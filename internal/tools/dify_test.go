package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONAnswerPlain(t *testing.T) {
	out := ParseJSONAnswer(`{"ok": true, "is_contract_mail": true}`)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, true, out["is_contract_mail"])
}

func TestParseJSONAnswerFenced(t *testing.T) {
	answer := "Here is the result:\n```json\n{\"ok\": true, \"confidence\": 0.92}\n```\nDone."
	out := ParseJSONAnswer(answer)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, 0.92, out["confidence"])
}

func TestParseJSONAnswerEmbedded(t *testing.T) {
	answer := `The model concluded {"ok": false, "reason": "not a contract"} after review.`
	out := ParseJSONAnswer(answer)
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "not a contract", out["reason"])
}

func TestParseJSONAnswerGarbage(t *testing.T) {
	out := ParseJSONAnswer("I could not produce JSON, sorry.")
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "I could not produce JSON, sorry.", out["raw_answer"])
}

func TestChatflowBlockingRequest(t *testing.T) {
	var captured chatflowRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat-messages", r.URL.Path)
		assert.Equal(t, "Bearer app-key-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"answer": `{"ok": true, "is_contract_mail": true, "confidence": 0.9}`,
		})
	}))
	defer srv.Close()

	client := NewDifyClient(srv.URL, "app-key-1", 5*time.Second, srv.Client())
	out, err := client.Chatflow(context.Background(), "classify", "run-1",
		map[string]any{"subject": "New order"}, []DifyFile{RemotePDF("https://files.example.com/a.pdf")})
	require.NoError(t, err)

	assert.Equal(t, "blocking", captured.ResponseMode)
	assert.Equal(t, "classify", captured.Query)
	assert.Equal(t, "run-1", captured.User)
	require.Len(t, captured.Files, 1)
	assert.Equal(t, "remote_url", captured.Files[0].TransferMethod)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, true, out["is_contract_mail"])
}

func TestChatflowServerErrorIsFailureResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewDifyClient(srv.URL, "app-key-1", 5*time.Second, srv.Client())
	out, err := client.Chatflow(context.Background(), "classify", "run-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out["ok"])
	assert.Contains(t, out["reason"], "502")
}

func TestChatflowTransportErrorIsFailureResult(t *testing.T) {
	client := NewDifyClient("http://127.0.0.1:1", "app-key-1", time.Second, &http.Client{Timeout: time.Second})
	out, err := client.Chatflow(context.Background(), "classify", "run-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out["ok"])
}
