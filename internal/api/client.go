package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every request when ClientOpts.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// maxBody caps how much of a response body is read.
const maxBody = 8 << 20

// TenantHeader carries the tenant a request acts for.
const TenantHeader = "X-Tenant-ID"

// Client talks to the backend on behalf of one bearer credential.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *logrus.Logger
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration  // defaults to DefaultTimeout
	HTTPClient *http.Client   // optional; overrides Timeout
	Log        *logrus.Logger // optional
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("api: base url is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("api: base url: %w", err)
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("api: token is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    hc,
		log:     log,
	}, nil
}

// rawEnvelope defers decoding of data until the envelope is checked.
type rawEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

// do performs one request and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, op, method, path, tenantID string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Kind: KindValidation, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Kind: KindValidation, Message: "build request", Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if tenantID != "" {
		req.Header.Set(TenantHeader, tenantID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Kind: KindTransport, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return &Error{Op: op, Kind: KindTransport, Status: resp.StatusCode, Message: "read response", Err: err}
	}

	c.log.WithFields(logrus.Fields{
		"op":         op,
		"method":     method,
		"path":       path,
		"status":     resp.StatusCode,
		"request_id": requestID,
	}).Debug("api: request")

	var env rawEnvelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{Op: op, Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return &Error{Op: op, Kind: KindRejected, Status: resp.StatusCode, Message: "malformed response envelope", Err: decodeErr}
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = "request unsuccessful"
		}
		return &Error{Op: op, Kind: KindRejected, Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Op: op, Kind: KindRejected, Status: resp.StatusCode, Message: "malformed response data", Err: err}
	}
	return nil
}

// kindForStatus maps a non-2xx HTTP status onto the error taxonomy.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return KindTransport
	default:
		return KindRejected
	}
}

func conversationPath(key string, suffix string) string {
	return "/conversations/" + url.PathEscape(key) + suffix
}

// --- Channel session endpoints ---

// CreateSession allocates the tenant's channel session. Existing is true when
// one was already present.
func (c *Client) CreateSession(ctx context.Context, tenantID string) (*CreateSessionResult, error) {
	var out CreateSessionResult
	if err := c.do(ctx, "create session", http.MethodPost, "/channel/session", tenantID, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SessionStatus returns the raw session status. Absence may arrive either as
// a KindNotFound error or as Exists=false; callers must handle both.
func (c *Client) SessionStatus(ctx context.Context, tenantID string) (*SessionStatus, error) {
	var out SessionStatus
	if err := c.do(ctx, "session status", http.MethodGet, "/channel/status", tenantID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Connect asks the channel to begin or resume pairing.
func (c *Client) Connect(ctx context.Context, tenantID string) error {
	return c.do(ctx, "connect", http.MethodPost, "/channel/connect", tenantID, struct{}{}, nil)
}

// QR returns the current QR payload as sent by the backend.
func (c *Client) QR(ctx context.Context, tenantID string) (string, error) {
	var out QRResult
	if err := c.do(ctx, "fetch qr", http.MethodGet, "/channel/qr", tenantID, nil, &out); err != nil {
		return "", err
	}
	return out.QRCode, nil
}

// CheckDuplicate reports whether number is bound to another tenant.
func (c *Client) CheckDuplicate(ctx context.Context, tenantID, number string) (*DuplicateInfo, error) {
	var out DuplicateInfo
	path := "/channel/check-duplicate?number=" + url.QueryEscape(number)
	if err := c.do(ctx, "check duplicate", http.MethodGet, path, tenantID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ForceDisconnect disconnects another tenant's session.
func (c *Client) ForceDisconnect(ctx context.Context, tenantID, targetTenantID string) error {
	body := ForceDisconnectRequest{TargetTenantID: targetTenantID}
	return c.do(ctx, "force disconnect", http.MethodPost, "/channel/force-disconnect", tenantID, body, nil)
}

// Disconnect logs the tenant's channel out, keeping the session.
func (c *Client) Disconnect(ctx context.Context, tenantID string) error {
	return c.do(ctx, "disconnect", http.MethodPost, "/channel/disconnect", tenantID, struct{}{}, nil)
}

// DeleteSession destroys the tenant's session.
func (c *Client) DeleteSession(ctx context.Context, tenantID string) error {
	return c.do(ctx, "delete session", http.MethodDelete, "/channel/session", tenantID, nil, nil)
}

// --- Conversation endpoints ---

// ListConversations returns conversation summaries matching filter.
func (c *Client) ListConversations(ctx context.Context, tenantID string, filter Filter) ([]Conversation, error) {
	if filter == "" {
		filter = FilterAll
	}
	var out []Conversation
	path := "/conversations?status=" + url.QueryEscape(string(filter))
	if err := c.do(ctx, "list conversations", http.MethodGet, path, tenantID, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Conversation returns one conversation with its full timeline.
func (c *Client) Conversation(ctx context.Context, tenantID, key string) (*ConversationDetail, error) {
	var out ConversationDetail
	if err := c.do(ctx, "get conversation", http.MethodGet, conversationPath(key, ""), tenantID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead marks every inbound message of the conversation read.
func (c *Client) MarkRead(ctx context.Context, tenantID, key string) error {
	return c.do(ctx, "mark read", http.MethodPost, conversationPath(key, "/read"), tenantID, struct{}{}, nil)
}

// Send posts an admin reply. The returned message may be nil if the backend
// does not echo it.
func (c *Client) Send(ctx context.Context, tenantID, key, text string) (*Message, error) {
	var out Message
	if err := c.do(ctx, "send message", http.MethodPost, conversationPath(key, "/send"), tenantID, SendRequest{Message: text}, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, nil
	}
	return &out, nil
}

// DeleteConversation hard-deletes a conversation and all its messages.
func (c *Client) DeleteConversation(ctx context.Context, tenantID, key string) error {
	return c.do(ctx, "delete conversation", http.MethodDelete, conversationPath(key, ""), tenantID, nil, nil)
}

// Retry resubmits the pending inbound message for AI handling.
func (c *Client) Retry(ctx context.Context, tenantID, key string) error {
	return c.do(ctx, "retry ai", http.MethodPost, conversationPath(key, "/retry"), tenantID, struct{}{}, nil)
}

// StartTakeover hands the conversation to a human admin.
func (c *Client) StartTakeover(ctx context.Context, tenantID, key, reason string) error {
	return c.do(ctx, "start takeover", http.MethodPost, conversationPath(key, "/takeover"), tenantID, TakeoverRequest{Reason: reason}, nil)
}

// EndTakeover returns the conversation to the AI.
func (c *Client) EndTakeover(ctx context.Context, tenantID, key string) error {
	return c.do(ctx, "end takeover", http.MethodDelete, conversationPath(key, "/takeover"), tenantID, nil, nil)
}

// ProcessingStatuses returns progress for every in-flight AI turn.
func (c *Client) ProcessingStatuses(ctx context.Context, tenantID string) ([]ProcessingStatus, error) {
	var out []ProcessingStatus
	if err := c.do(ctx, "processing status", http.MethodGet, "/processing-status", tenantID, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadCount returns the tenant's total unread inbound messages.
func (c *Client) UnreadCount(ctx context.Context, tenantID string) (int, error) {
	var out UnreadCount
	if err := c.do(ctx, "unread count", http.MethodGet, "/unread-count", tenantID, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}
