package mealie

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
	"time"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mealie http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mealie http %d: %s", e.StatusCode, e.Message)
}

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	PerPage    int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client talks to the canonical system's shopping list API. All mutating
// calls go through the bulk endpoints so one reconciliation bucket is one
// HTTP request.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	perPage    int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:9000"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = 50
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
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		perPage:    perPage,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *Client) GetList(ctx context.Context, listID string) (List, error) {
	var out List
	err := c.doJSON(ctx, http.MethodGet, "/api/households/shopping/lists/"+url.PathEscape(listID), nil, &out)
	return out, err
}

// Items pages through every item of a list. Checked items are filtered
// client side because the list endpoint has no server-side filter for them.
func (c *Client) Items(ctx context.Context, listID string, includeChecked bool) ([]Item, error) {
	items := []Item{}
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("queryFilter", "shoppingListId="+listID)
		q.Set("page", strconv.Itoa(page))
		q.Set("perPage", strconv.Itoa(c.perPage))
		var out itemPage
		if err := c.doJSON(ctx, http.MethodGet, "/api/households/shopping/items?"+q.Encode(), nil, &out); err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			if !includeChecked && item.Checked {
				continue
			}
			items = append(items, item)
		}
		if out.TotalPages <= page {
			break
		}
	}
	return items, nil
}

func (c *Client) Labels(ctx context.Context) ([]Label, error) {
	labels := []Label{}
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("perPage", strconv.Itoa(c.perPage))
		var out labelPage
		if err := c.doJSON(ctx, http.MethodGet, "/api/groups/labels?"+q.Encode(), nil, &out); err != nil {
			return nil, err
		}
		labels = append(labels, out.Items...)
		if out.TotalPages <= page {
			break
		}
	}
	return labels, nil
}

func (c *Client) CreateItems(ctx context.Context, items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, nil
	}
	var out struct {
		CreatedItems []Item `json:"createdItems"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/households/shopping/items/create-bulk", items, &out); err != nil {
		return nil, err
	}
	return out.CreatedItems, nil
}

func (c *Client) UpdateItems(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	for _, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			return fmt.Errorf("%w: update requires item id", ErrInvalidInput)
		}
	}
	return c.doJSON(ctx, http.MethodPut, "/api/households/shopping/items", items, nil)
}

func (c *Client) DeleteItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := url.Values{}
	for _, id := range ids {
		q.Add("ids", id)
	}
	return c.doJSON(ctx, http.MethodDelete, "/api/households/shopping/items?"+q.Encode(), nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
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
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, retryDelay(attempt+1, "", c.baseDelay, c.maxDelay)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, retryDelay(attempt+1, resp.Header.Get("Retry-After"), c.baseDelay, c.maxDelay)); waitErr != nil {
				return waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s %s", ErrNotFound, method, requestPath)
		}
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = strings.TrimSpace(string(payload))
		}
		return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: message}
	}
}

func retryDelay(attempt int, retryAfterHeader string, baseDelay, maxDelay time.Duration) time.Duration {
	if header := strings.TrimSpace(retryAfterHeader); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
			after := time.Duration(seconds) * time.Second
			if after > maxDelay {
				return maxDelay
			}
			return after
		}
	}
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
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
