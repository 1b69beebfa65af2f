package alexa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrResponseTimeout = errors.New("response timeout")
)

const responseKeyPrefix = "alexa:response:"

// ResponseKey is where the callback receiver must store the gateway's
// asynchronous reply for a given request id.
func ResponseKey(requestID string) string {
	return responseKeyPrefix + requestID
}

// requestEnvelope is the operation+object-type envelope the messaging
// gateway is keyed by. Responses do not arrive on this connection; the
// gateway acknowledges with 2xx and later delivers a responseEnvelope into
// the KV store under ResponseKey(requestID).
type requestEnvelope struct {
	RequestID  string          `json:"requestId"`
	Operation  string          `json:"operation"`
	ObjectType string          `json:"objectType"`
	Payload    json.RawMessage `json:"payload"`
}

type responseEnvelope struct {
	RequestID string          `json:"requestId"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type createEntry struct {
	Token string `json:"token"`
	Value string `json:"value"`
}

type createResultEntry struct {
	Token string `json:"token"`
	Item  Item   `json:"item"`
}

type ClientOptions struct {
	GatewayURL      string
	Token           string
	HTTPClient      *http.Client
	KV              KV
	ResponseTimeout time.Duration
	PollInterval    time.Duration
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	RequestID       func() string
}

// Client speaks the Alexa-style messaging API: requests go out as
// operation+object-type envelopes, responses come back asynchronously
// through the KV store, polled by request id.
type Client struct {
	gatewayURL      string
	token           string
	httpClient      *http.Client
	kv              KV
	responseTimeout time.Duration
	pollInterval    time.Duration
	maxRetries      int
	baseDelay       time.Duration
	maxDelay        time.Duration
	requestID       func() string
}

func NewClient(opts ClientOptions) *Client {
	gatewayURL := strings.TrimRight(strings.TrimSpace(opts.GatewayURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	kv := opts.KV
	if kv == nil {
		kv = NewMemoryKV()
	}
	responseTimeout := opts.ResponseTimeout
	if responseTimeout <= 0 {
		responseTimeout = 10 * time.Second
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	requestID := opts.RequestID
	if requestID == nil {
		requestID = func() string {
			return fmt.Sprintf("req_%d", time.Now().UnixNano())
		}
	}
	return &Client{
		gatewayURL:      gatewayURL,
		token:           strings.TrimSpace(opts.Token),
		httpClient:      httpClient,
		kv:              kv,
		responseTimeout: responseTimeout,
		pollInterval:    pollInterval,
		maxRetries:      maxRetries,
		baseDelay:       baseDelay,
		maxDelay:        maxDelay,
		requestID:       requestID,
	}
}

// Items returns the active items of a list.
func (c *Client) Items(ctx context.Context, listID string) ([]Item, error) {
	payload, err := json.Marshal(map[string]string{"listId": listID, "status": StatusActive})
	if err != nil {
		return nil, err
	}
	body, err := c.roundTrip(ctx, "read", "list", payload)
	if err != nil {
		return nil, err
	}
	var out struct {
		Items []Item `json:"items"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Item(ctx context.Context, listID, itemID string) (Item, error) {
	payload, err := json.Marshal(map[string]string{"listId": listID, "itemId": itemID})
	if err != nil {
		return Item{}, err
	}
	body, err := c.roundTrip(ctx, "read", "list_item", payload)
	if err != nil {
		return Item{}, err
	}
	var item Item
	if err := json.Unmarshal(body, &item); err != nil {
		return Item{}, err
	}
	if item.ID == "" {
		return Item{}, fmt.Errorf("%w: item %s", ErrNotFound, itemID)
	}
	return item, nil
}

// CreateItems creates the given values in one request. The gateway does not
// guarantee response ordering, so each entry carries a positional token and
// the returned items are re-sorted by it before being paired back to the
// inputs: out[i] corresponds to values[i].
func (c *Client) CreateItems(ctx context.Context, listID string, values []string) ([]Item, error) {
	if len(values) == 0 {
		return nil, nil
	}
	entries := make([]createEntry, len(values))
	for i, value := range values {
		entries[i] = createEntry{Token: strconv.Itoa(i), Value: value}
	}
	payload, err := json.Marshal(map[string]any{"listId": listID, "items": entries})
	if err != nil {
		return nil, err
	}
	body, err := c.roundTrip(ctx, "create", "list_item", payload)
	if err != nil {
		return nil, err
	}
	var out struct {
		Items []createResultEntry `json:"items"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if len(out.Items) != len(values) {
		return nil, fmt.Errorf("create returned %d items for %d values", len(out.Items), len(values))
	}
	sort.SliceStable(out.Items, func(i, j int) bool {
		left, _ := strconv.Atoi(out.Items[i].Token)
		right, _ := strconv.Atoi(out.Items[j].Token)
		return left < right
	})
	items := make([]Item, len(out.Items))
	for i, entry := range out.Items {
		items[i] = entry.Item
	}
	return items, nil
}

// UpdateItem replaces an item's value. The gateway requires the caller's
// last known version and answers with the bumped one.
func (c *Client) UpdateItem(ctx context.Context, listID, itemID, value string, version int) (Item, error) {
	payload, err := json.Marshal(map[string]any{
		"listId":  listID,
		"itemId":  itemID,
		"value":   value,
		"status":  StatusActive,
		"version": version,
	})
	if err != nil {
		return Item{}, err
	}
	body, err := c.roundTrip(ctx, "update", "list_item", payload)
	if err != nil {
		return Item{}, err
	}
	var item Item
	if err := json.Unmarshal(body, &item); err != nil {
		return Item{}, err
	}
	return item, nil
}

func (c *Client) CompleteItem(ctx context.Context, listID, itemID string) error {
	payload, err := json.Marshal(map[string]any{
		"listId": listID,
		"itemId": itemID,
		"status": StatusCompleted,
	})
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, "update", "list_item", payload)
	return err
}

func (c *Client) roundTrip(ctx context.Context, operation, objectType string, payload json.RawMessage) (json.RawMessage, error) {
	requestID := c.requestID()
	if err := c.send(ctx, requestEnvelope{
		RequestID:  requestID,
		Operation:  operation,
		ObjectType: objectType,
		Payload:    payload,
	}); err != nil {
		return nil, err
	}
	return c.awaitResponse(ctx, requestID)
}

func (c *Client) send(ctx context.Context, envelope requestEnvelope) error {
	bodyBytes, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL+"/v1/messages", bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return fmt.Errorf("alexa gateway send failed: status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

func (c *Client) awaitResponse(ctx context.Context, requestID string) (json.RawMessage, error) {
	key := ResponseKey(requestID)
	deadline := time.Now().Add(c.responseTimeout)
	for {
		value, ok, err := c.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			_ = c.kv.Delete(ctx, key)
			var envelope responseEnvelope
			if err := json.Unmarshal(value, &envelope); err != nil {
				return nil, err
			}
			if envelope.Status != "" && envelope.Status != "ok" && envelope.Status != "success" {
				message := envelope.Error
				if message == "" {
					message = envelope.Status
				}
				if envelope.Status == "not_found" {
					return nil, fmt.Errorf("%w: %s", ErrNotFound, message)
				}
				return nil, fmt.Errorf("alexa request %s failed: %s", requestID, message)
			}
			return envelope.Payload, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: request %s", ErrResponseTimeout, requestID)
		}
		if err := sleepContext(ctx, c.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if header := strings.TrimSpace(retryAfterHeader); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
			after := time.Duration(seconds) * time.Second
			if after > c.maxDelay {
				return c.maxDelay
			}
			return after
		}
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
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
