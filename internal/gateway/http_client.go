package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/numberguard/internal/contacts"
	"github.com/agentworkforce/numberguard/internal/docstore"
)

const streamReadLimit = 16 << 20

// HTTPClient talks to a numberguard document service over REST, with a
// websocket stream for snapshots.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type listResponse struct {
	Contacts []contacts.Record `json:"contacts"`
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SetRetryPolicy overrides the per-request retry budget and backoff bounds.
func (c *HTTPClient) SetRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) {
	if maxRetries >= 0 {
		c.maxRetries = maxRetries
	}
	if baseDelay > 0 {
		c.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		c.maxDelay = maxDelay
	}
}

func (c *HTTPClient) Create(ctx context.Context, userID string, r contacts.Record) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, "create", http.MethodPost, contactsPath(userID, ""), r, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) Update(ctx context.Context, userID, id string, p contacts.Patch) error {
	return c.doJSON(ctx, "update", http.MethodPatch, contactsPath(userID, url.PathEscape(id)), p, nil)
}

func (c *HTTPClient) Delete(ctx context.Context, userID, id string) error {
	return c.doJSON(ctx, "delete", http.MethodDelete, contactsPath(userID, url.PathEscape(id)), nil, nil)
}

func (c *HTTPClient) CommitBatch(ctx context.Context, userID string, ops []contacts.Operation) ([]Outcome, error) {
	body := struct {
		Mutations []docstore.Mutation `json:"mutations"`
	}{Mutations: make([]docstore.Mutation, 0, len(ops))}
	for _, op := range ops {
		body.Mutations = append(body.Mutations, mutationFor(op))
	}
	var out struct {
		IDs []string `json:"ids"`
	}
	if err := c.doJSON(ctx, "commit", http.MethodPost, contactsPath(userID, "batch"), body, &out); err != nil {
		return nil, err
	}
	return outcomesFor(ops, out.IDs), nil
}

// List fetches the current record set once.
func (c *HTTPClient) List(ctx context.Context, userID string) ([]contacts.Record, error) {
	var out listResponse
	if err := c.doJSON(ctx, "list", http.MethodGet, contactsPath(userID, ""), nil, &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

// Ping checks that the service answers, without retries.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: "ping", Kind: ErrRemoteUnavailable, Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{Op: "ping", Kind: ErrRemoteUnavailable, StatusCode: resp.StatusCode}
	}
	return nil
}

// Subscribe keeps a websocket stream open in the background, reconnecting with
// backoff until ctx is done or the subscription is cancelled. A rejected
// handshake (bad token, wrong user) ends the subscription.
func (c *HTTPClient) Subscribe(ctx context.Context, userID string, onSnapshot func([]contacts.Record), onError func(error)) (func(), error) {
	streamURL := c.baseURL + contactsPath(userID, "stream")
	if _, err := url.Parse(streamURL); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	report := func(err error) {
		if onError != nil && ctx.Err() == nil {
			onError(err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for attempt := 0; ; attempt++ {
			received, err := c.stream(ctx, streamURL, onSnapshot)
			if ctx.Err() != nil {
				return
			}
			if received {
				attempt = 0
			}
			report(err)
			if IsRejected(err) {
				return
			}
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
				return
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}, nil
}

func (c *HTTPClient) stream(ctx context.Context, streamURL string, onSnapshot func([]contacts.Record)) (bool, error) {
	conn, resp, err := websocket.Dial(ctx, streamURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{
			"Authorization":    []string{"Bearer " + c.token},
			"X-Correlation-Id": []string{correlationID()},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return false, &Error{Op: "subscribe", Kind: ErrRemoteRejected, StatusCode: resp.StatusCode, Err: err}
		}
		return false, &Error{Op: "subscribe", Kind: ErrRemoteUnavailable, Err: err}
	}
	defer conn.CloseNow()
	conn.SetReadLimit(streamReadLimit)

	received := false
	for {
		var snap listResponse
		if err := wsjson.Read(ctx, conn, &snap); err != nil {
			return received, &Error{Op: "subscribe", Kind: ErrRemoteUnavailable, Err: err}
		}
		received = true
		onSnapshot(snap.Contacts)
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return &Error{Op: op, Kind: ErrRemoteUnavailable, Err: ctx.Err()}
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return &Error{Op: op, Kind: ErrRemoteUnavailable, Err: waitErr}
				}
				continue
			}
			return &Error{Op: op, Kind: ErrRemoteUnavailable, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &Error{Op: op, Kind: ErrRemoteUnavailable, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return &Error{Op: op, Kind: ErrRemoteUnavailable, Err: fmt.Errorf("decode response: %w", err)}
			}
			return nil
		}

		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if transient && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return &Error{Op: op, Kind: ErrRemoteUnavailable, Err: waitErr}
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		kind := ErrRemoteRejected
		switch {
		case transient:
			kind = ErrRemoteUnavailable
		case resp.StatusCode == http.StatusNotFound && errPayload.Code == "not_found":
			kind = ErrNotFound
		}
		return &Error{
			Op:         op,
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func contactsPath(userID, suffix string) string {
	p := fmt.Sprintf("/v1/users/%s/contacts", url.PathEscape(userID))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func correlationID() string {
	return "ng_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Gateway = (*HTTPClient)(nil)
var _ Gateway = (*Direct)(nil)
