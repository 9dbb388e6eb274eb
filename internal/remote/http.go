package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/carrier/internal/model"
)

// Default HTTP client settings.
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultReconnectDelay = 5 * time.Second
)

// HTTPClient talks to a relay server over HTTP and WebSocket.
type HTTPClient struct {
	base           *url.URL
	http           *http.Client
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.http = c
	}
}

// WithRequestTimeout bounds each HTTP request. It applies to a copy of the
// client given to WithHTTPClient, whatever the option order.
func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPClient) {
		h.requestTimeout = d
	}
}

// WithReconnectDelay sets the pause between subscription reconnects.
func WithReconnectDelay(d time.Duration) HTTPOption {
	return func(h *HTTPClient) {
		h.reconnectDelay = d
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPClient) {
		h.logger = l
	}
}

// NewHTTPClient creates a client for the relay at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}

	h := &HTTPClient{
		base:           u,
		http:           &http.Client{Timeout: DefaultRequestTimeout},
		dialer:         &websocket.Dialer{HandshakeTimeout: DefaultRequestTimeout},
		reconnectDelay: DefaultReconnectDelay,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.requestTimeout > 0 {
		c := *h.http
		c.Timeout = h.requestTimeout
		h.http = &c
	}
	h.logger = h.logger.With("component", "remote")
	return h, nil
}

func (h *HTTPClient) endpoint(path string) string {
	return h.base.String() + path
}

// Ping checks the relay's health endpoint.
func (h *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint("/healthz"), nil)
	if err != nil {
		return NetworkError("ping", err)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return NetworkError("ping", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: KindNetwork, Op: "ping", Status: resp.StatusCode, Message: resp.Status}
	}
	return nil
}

// Insert posts a draft and returns the confirmed record.
func (h *HTTPClient) Insert(ctx context.Context, draft model.Message) (model.Message, error) {
	body, err := json.Marshal(DraftRecord(draft))
	if err != nil {
		return model.Message{}, RejectedError("insert", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint("/v1/messages"), bytes.NewReader(body))
	if err != nil {
		return model.Message{}, NetworkError("insert", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var rec Record
	if err := h.do(req, "insert", &rec); err != nil {
		return model.Message{}, err
	}

	msg, err := rec.Message()
	if err != nil {
		// A malformed acknowledgment leaves the outcome unknown.
		return model.Message{}, NetworkError("insert", err)
	}
	return msg, nil
}

// FetchAllFor returns the owner's full history.
func (h *HTTPClient) FetchAllFor(ctx context.Context, ownerID string) ([]model.Message, error) {
	path := "/v1/owners/" + url.PathEscape(ownerID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint(path), nil)
	if err != nil {
		return nil, NetworkError("fetch", err)
	}

	var list RecordList
	if err := h.do(req, "fetch", &list); err != nil {
		return nil, err
	}

	out := make([]model.Message, 0, len(list.Messages))
	for _, rec := range list.Messages {
		msg, err := rec.Message()
		if err != nil {
			h.logger.Warn("skipping malformed record", "owner", ownerID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// do executes req and decodes a JSON response into out.
// 4xx responses other than 408 and 429 are rejections; everything else
// that is not 2xx is transient.
func (h *HTTPClient) do(req *http.Request, op string, out any) error {
	resp, err := h.http.Do(req)
	if err != nil {
		return NetworkError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return NetworkError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := errorMessage(data, resp.Status)
		kind := KindNetwork
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout &&
			resp.StatusCode != http.StatusTooManyRequests {
			kind = KindRejected
		}
		return &Error{Kind: kind, Op: op, Status: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return NetworkError(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func errorMessage(body []byte, fallback string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return fallback
}

// SubscribeInserts opens a WebSocket to the relay and keeps it open,
// reconnecting after reconnectDelay whenever it drops, until the returned
// Unsubscribe is called or ctx ends. Events missed while disconnected are
// not replayed; catch-up repairs them.
func (h *HTTPClient) SubscribeInserts(ctx context.Context, ownerID string, onInsert func(model.Message)) (Unsubscribe, error) {
	if ownerID == "" {
		return nil, RejectedError("subscribe", "owner id is required")
	}

	wsURL := *h.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + "/v1/owners/" + url.PathEscape(ownerID) + "/inserts"

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.subscribeLoop(subCtx, wsURL.String(), ownerID, onInsert)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (h *HTTPClient) subscribeLoop(ctx context.Context, wsURL, ownerID string, onInsert func(model.Message)) {
	ticker := time.NewTicker(h.reconnectDelay)
	defer ticker.Stop()

	for {
		if err := h.readInserts(ctx, wsURL, onInsert); err != nil && ctx.Err() == nil {
			h.logger.Debug("subscription dropped", "owner", ownerID, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// readInserts holds one connection until it fails or ctx ends.
func (h *HTTPClient) readInserts(ctx context.Context, wsURL string, onInsert func(model.Message)) error {
	conn, _, err := h.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	h.logger.Debug("subscription connected", "url", wsURL)
	for {
		var rec Record
		if err := conn.ReadJSON(&rec); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		msg, err := rec.Message()
		if err != nil {
			h.logger.Warn("skipping malformed event", "error", err)
			continue
		}
		onInsert(msg)
	}
}
