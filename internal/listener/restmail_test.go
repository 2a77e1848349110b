package listener

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcsuite/mcs-orchestrator/internal/config"
	"github.com/mcsuite/mcs-orchestrator/internal/tools"
)

type restMailServer struct {
	srv          *httptest.Server
	tokenCalls   int
	seenCalls    []string
	failFirstAPI bool
	apiCalls     int
}

func newRestMailServer(t *testing.T) *restMailServer {
	t.Helper()
	rs := &restMailServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		rs.tokenCalls++
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("grant_type") != "client_credentials" ||
			r.PostForm.Get("client_id") == "" && r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	authed := func(w http.ResponseWriter, r *http.Request) bool {
		rs.apiCalls++
		if rs.failFirstAPI && rs.apiCalls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}

	mux.HandleFunc("/v1/accounts/inbox1/folders/INBOX/messages", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"message_uids": []string{"101"}})
	})
	mux.HandleFunc("/v1/accounts/inbox1/messages/101", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		json.NewEncoder(w).Encode(restMessage{
			MessageID:  "<msg-101@example.com>",
			From:       restAddress{Address: "Buyer@Example.com", Name: "Jane Buyer"},
			To:         []restAddress{{Address: "Orders@Example.com"}},
			Subject:    "purchase contract",
			BodyText:   "see attachment",
			ReceivedAt: "Wed, 26 Aug 2026 10:00:00 +0200",
			Atts: []restAttMeta{
				{ID: "a1", Filename: "contract.pdf", ContentType: "application/pdf", Size: 7},
				{ID: "a2", Filename: "empty.pdf", ContentType: "application/pdf", Size: 0},
			},
		})
	})
	mux.HandleFunc("/v1/accounts/inbox1/messages/101/attachments/a1", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		w.Write([]byte("PDFDATA"))
	})
	mux.HandleFunc("/v1/accounts/inbox1/messages/101/attachments/a2", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
	})
	mux.HandleFunc("/v1/accounts/inbox1/messages/101/seen", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w, r) {
			return
		}
		rs.seenCalls = append(rs.seenCalls, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})

	rs.srv = httptest.NewServer(mux)
	t.Cleanup(rs.srv.Close)
	return rs
}

func newRestMailAdapter(rs *restMailServer) *RestMailAdapter {
	a := NewRestMailAdapter(config.RestMailConfig{
		BaseURL:      rs.srv.URL,
		TokenURL:     rs.srv.URL + "/token",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		Account:      "inbox1",
		Folder:       "INBOX",
	}, rs.srv.Client())
	a.backoff = time.Millisecond
	return a
}

func TestRestMailPollAndFetch(t *testing.T) {
	rs := newRestMailServer(t)
	a := newRestMailAdapter(rs)
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx))
	assert.Equal(t, 1, rs.tokenCalls)

	uids, err := a.PollNewMessageIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"101"}, uids)

	msg, err := a.FetchMessage(ctx, "101")
	require.NoError(t, err)

	assert.Equal(t, "msg-101@example.com", msg.MessageID)
	assert.Equal(t, "buyer@example.com", msg.SenderID)
	assert.Equal(t, []string{"orders@example.com"}, msg.Recipients)
	assert.Equal(t, "2026-08-26T10:00:00+02:00", msg.ReceivedAt)
	assert.Equal(t, "101", msg.ExternalUID)
	assert.Equal(t, "inbox1", msg.Account)

	// The empty payload is dropped; only the real PDF survives.
	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "contract.pdf", att.Filename)
	assert.Equal(t, int64(7), att.SizeBytes)
	assert.Equal(t, tools.SHA256Hex([]byte("PDFDATA")), att.SHA256)

	data, err := att.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("PDFDATA"), data)

	// Token is cached across calls.
	assert.Equal(t, 1, rs.tokenCalls)
}

func TestRestMailMarkProcessed(t *testing.T) {
	rs := newRestMailServer(t)
	a := newRestMailAdapter(rs)

	require.NoError(t, a.MarkProcessed(context.Background(), "101"))
	assert.Equal(t, []string{http.MethodPost}, rs.seenCalls)
}

func TestRestMailRetriesAfterUnauthorized(t *testing.T) {
	rs := newRestMailServer(t)
	rs.failFirstAPI = true
	a := newRestMailAdapter(rs)

	uids, err := a.PollNewMessageIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"101"}, uids)
	// The 401 dropped the cached token, forcing a second exchange.
	assert.Equal(t, 2, rs.tokenCalls)
}

func TestRestMailAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
	}))
	defer srv.Close()

	a := NewRestMailAdapter(config.RestMailConfig{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
		ClientID:     "bad",
		ClientSecret: "bad",
		Account:      "inbox1",
		Folder:       "INBOX",
	}, srv.Client())

	err := a.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
}
