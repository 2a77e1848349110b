package listener

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mcsuite/mcs-orchestrator/internal/config"
	"github.com/mcsuite/mcs-orchestrator/internal/domain"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/logger"
	"github.com/mcsuite/mcs-orchestrator/internal/tools"
)

// ErrAuth marks credential failures that will not heal on retry.
var ErrAuth = errors.New("restmail: authentication failed")

// restMessage is the provider's message shape.
type restMessage struct {
	MessageID  string        `json:"message_id"`
	From       restAddress   `json:"from"`
	To         []restAddress `json:"to"`
	CC         []restAddress `json:"cc"`
	Subject    string        `json:"subject"`
	BodyText   string        `json:"body_text"`
	BodyHTML   string        `json:"body_html"`
	ReceivedAt string        `json:"received_at"`
	Atts       []restAttMeta `json:"attachments"`
}

type restAddress struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type restAttMeta struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// RestMailAdapter pulls a vendor REST mailbox using the OAuth2
// client-credentials flow. Tokens are cached per adapter; a 401 from the
// mailbox API drops the cached token and the request is retried with
// exponential backoff.
type RestMailAdapter struct {
	cfg     config.RestMailConfig
	client  *http.Client
	backoff time.Duration

	creds  clientcredentials.Config
	source oauth2.TokenSource
}

// NewRestMailAdapter builds the adapter. The base HTTP client carries the
// overall socket settings; auth headers are attached per request.
func NewRestMailAdapter(cfg config.RestMailConfig, client *http.Client) *RestMailAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RestMailAdapter{
		cfg:     cfg,
		client:  client,
		backoff: time.Second,
		creds: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		},
	}
}

// ChannelType identifies REST mailboxes as the email channel.
func (a *RestMailAdapter) ChannelType() domain.Channel { return domain.ChannelEmail }

// Connect exchanges credentials for a token, priming the cache. A 4xx from
// the token endpoint is a credential problem and wraps ErrAuth; everything
// else is transient.
func (a *RestMailAdapter) Connect(ctx context.Context) error {
	if a.source == nil {
		a.source = a.creds.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, a.client))
	}
	_, err := a.source.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil &&
			rerr.Response.StatusCode >= 400 && rerr.Response.StatusCode < 500 {
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return fmt.Errorf("restmail: token exchange: %w", err)
	}
	return nil
}

// Disconnect drops the cached token.
func (a *RestMailAdapter) Disconnect() error {
	a.source = nil
	return nil
}

// PollNewMessageIDs lists unseen message UIDs in the configured folder.
func (a *RestMailAdapter) PollNewMessageIDs(ctx context.Context) ([]string, error) {
	var out struct {
		UIDs []string `json:"message_uids"`
	}
	path := fmt.Sprintf("/v1/accounts/%s/folders/%s/messages?unseen=true",
		url.PathEscape(a.cfg.Account), url.PathEscape(a.cfg.Folder))
	if err := a.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.UIDs, nil
}

// FetchMessage downloads one message with its attachment payloads and
// normalizes it. Empty attachment payloads are skipped with a warning.
func (a *RestMailAdapter) FetchMessage(ctx context.Context, externalUID string) (*domain.InboundMessage, error) {
	var rm restMessage
	base := fmt.Sprintf("/v1/accounts/%s/messages/%s",
		url.PathEscape(a.cfg.Account), url.PathEscape(externalUID))
	if err := a.getJSON(ctx, base, &rm); err != nil {
		return nil, err
	}

	msg := &domain.InboundMessage{
		Channel:     domain.ChannelEmail,
		Provider:    "restmail",
		Account:     a.cfg.Account,
		ExternalUID: externalUID,
		MessageID:   rm.MessageID,
		SenderID:    rm.From.Address,
		Subject:     rm.Subject,
		BodyText:    rm.BodyText,
		BodyHTML:    rm.BodyHTML,
		ReceivedAt:  normalizeReceivedAt(rm.ReceivedAt),
	}
	for _, to := range rm.To {
		msg.Recipients = append(msg.Recipients, to.Address)
	}
	for _, cc := range rm.CC {
		msg.CC = append(msg.CC, cc.Address)
	}

	for _, meta := range rm.Atts {
		data, err := a.getBytes(ctx, base+"/attachments/"+url.PathEscape(meta.ID))
		if err != nil {
			return nil, fmt.Errorf("restmail: fetch attachment %s: %w", meta.Filename, err)
		}
		if len(data) == 0 {
			logger.Warn("restmail: empty attachment payload skipped",
				"uid", externalUID, "filename", meta.Filename)
			continue
		}
		msg.Attachments = append(msg.Attachments, domain.Attachment{
			AttachmentID: meta.ID,
			Filename:     meta.Filename,
			ContentType:  meta.ContentType,
			SizeBytes:    int64(len(data)),
			SHA256:       tools.SHA256Hex(data),
			BytesB64:     base64.StdEncoding.EncodeToString(data),
		})
	}

	msg.Normalize()
	return msg, nil
}

// MarkProcessed flags the message seen on the provider.
func (a *RestMailAdapter) MarkProcessed(ctx context.Context, externalUID string) error {
	path := fmt.Sprintf("/v1/accounts/%s/messages/%s/seen",
		url.PathEscape(a.cfg.Account), url.PathEscape(externalUID))
	resp, err := a.do(ctx, http.MethodPost, path)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (a *RestMailAdapter) getJSON(ctx context.Context, path string, dst any) error {
	resp, err := a.do(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("restmail: decode %s: %w", path, err)
	}
	return nil
}

func (a *RestMailAdapter) getBytes(ctx context.Context, path string) ([]byte, error) {
	resp, err := a.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// do issues one authenticated request. On 401 the cached token is dropped
// and the call retried up to twice, backing off 2^attempt seconds.
func (a *RestMailAdapter) do(ctx context.Context, method, path string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= 2; attempt++ {
		if attempt > 0 {
			delay := a.backoff * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := a.Connect(ctx); err != nil {
			if errors.Is(err, ErrAuth) {
				return nil, err
			}
			lastErr = err
			continue
		}
		tok, err := a.source.Token()
		if err != nil {
			lastErr = err
			continue
		}

		req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, nil)
		if err != nil {
			return nil, err
		}
		tok.SetAuthHeader(req)

		resp, err := a.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			a.source = nil
			lastErr = fmt.Errorf("restmail: %s %s: unauthorized", method, path)
		case resp.StatusCode >= 400:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			return nil, fmt.Errorf("restmail: %s %s: status %d: %s",
				method, path, resp.StatusCode, string(body))
		default:
			return resp, nil
		}
	}
	return nil, lastErr
}

// normalizeReceivedAt re-emits provider timestamps in RFC 3339. Unparseable
// values pass through unchanged.
func normalizeReceivedAt(raw string) string {
	for _, layout := range []string{time.RFC3339, time.RFC1123Z, time.RFC1123} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format(time.RFC3339)
		}
	}
	return raw
}
