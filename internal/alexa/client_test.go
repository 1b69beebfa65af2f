package alexa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeGateway acknowledges every message and delivers the canned response
// for its request id into the KV store, the way the real callback path does.
type fakeGateway struct {
	kv        KV
	responses func(req requestEnvelope) responseEnvelope
	requests  []requestEnvelope
}

func (g *fakeGateway) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req requestEnvelope
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		g.requests = append(g.requests, req)
		resp := g.responses(req)
		resp.RequestID = req.RequestID
		payload, _ := json.Marshal(resp)
		_ = g.kv.Put(r.Context(), ResponseKey(req.RequestID), payload)
		w.WriteHeader(http.StatusAccepted)
	}
}

func newTestClient(t *testing.T, gateway *fakeGateway) *Client {
	t.Helper()
	server := httptest.NewServer(gateway.handler())
	t.Cleanup(server.Close)
	counter := 0
	return NewClient(ClientOptions{
		GatewayURL:      server.URL,
		Token:           "token",
		KV:              gateway.kv,
		ResponseTimeout: time.Second,
		PollInterval:    time.Millisecond,
		RequestID: func() string {
			counter++
			return fmt.Sprintf("req_%d", counter)
		},
	})
}

func TestClientItems(t *testing.T) {
	gateway := &fakeGateway{kv: NewMemoryKV()}
	gateway.responses = func(req requestEnvelope) responseEnvelope {
		if req.Operation != "read" || req.ObjectType != "list" {
			t.Fatalf("unexpected envelope %s/%s", req.Operation, req.ObjectType)
		}
		payload, _ := json.Marshal(map[string]any{"items": []Item{
			{ID: "a1", ListID: "AL1", Value: "milk", Status: StatusActive, Version: 1},
		}})
		return responseEnvelope{Status: "ok", Payload: payload}
	}
	client := newTestClient(t, gateway)

	items, err := client.Items(context.Background(), "AL1")
	if err != nil {
		t.Fatalf("items failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != "a1" || items[0].Version != 1 {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestClientCreateItemsResortsByToken(t *testing.T) {
	gateway := &fakeGateway{kv: NewMemoryKV()}
	gateway.responses = func(req requestEnvelope) responseEnvelope {
		var in struct {
			Items []createEntry `json:"items"`
		}
		if err := json.Unmarshal(req.Payload, &in); err != nil {
			t.Fatalf("bad create payload: %v", err)
		}
		// Answer in reverse order; the client must pair by token.
		out := make([]createResultEntry, 0, len(in.Items))
		for i := len(in.Items) - 1; i >= 0; i-- {
			entry := in.Items[i]
			out = append(out, createResultEntry{
				Token: entry.Token,
				Item:  Item{ID: "id-" + entry.Token, Value: entry.Value, Status: StatusActive, Version: 1},
			})
		}
		payload, _ := json.Marshal(map[string]any{"items": out})
		return responseEnvelope{Status: "ok", Payload: payload}
	}
	client := newTestClient(t, gateway)

	values := []string{"v0", "v1", "v2"}
	items, err := client.CreateItems(context.Background(), "AL1", values)
	if err != nil {
		t.Fatalf("create items failed: %v", err)
	}
	if len(items) != len(values) {
		t.Fatalf("expected %d items, got %d", len(values), len(items))
	}
	for i, item := range items {
		if item.Value != values[i] {
			t.Fatalf("item %d paired to %q, want %q", i, item.Value, values[i])
		}
		if item.ID != fmt.Sprintf("id-%d", i) {
			t.Fatalf("item %d has id %q", i, item.ID)
		}
	}
}

func TestClientItemNotFound(t *testing.T) {
	gateway := &fakeGateway{kv: NewMemoryKV()}
	gateway.responses = func(req requestEnvelope) responseEnvelope {
		return responseEnvelope{Status: "not_found", Error: "no such item"}
	}
	client := newTestClient(t, gateway)

	_, err := client.Item(context.Background(), "AL1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientResponseTimeout(t *testing.T) {
	// Gateway accepts but never delivers a response into the KV store.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()
	client := NewClient(ClientOptions{
		GatewayURL:      server.URL,
		KV:              NewMemoryKV(),
		ResponseTimeout: 20 * time.Millisecond,
		PollInterval:    time.Millisecond,
	})

	_, err := client.Items(context.Background(), "AL1")
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("expected ErrResponseTimeout, got %v", err)
	}
}

func TestClientSendRetriesOn5xx(t *testing.T) {
	kv := NewMemoryKV()
	attempts := 0
	var delivered func(body []byte)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		delivered(body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{
		GatewayURL:      server.URL,
		KV:              kv,
		ResponseTimeout: time.Second,
		PollInterval:    time.Millisecond,
		BaseDelay:       time.Millisecond,
		MaxDelay:        2 * time.Millisecond,
	})
	delivered = func(body []byte) {
		var req requestEnvelope
		_ = json.Unmarshal(body, &req)
		payload, _ := json.Marshal(map[string]any{"items": []Item{}})
		resp, _ := json.Marshal(responseEnvelope{RequestID: req.RequestID, Status: "ok", Payload: payload})
		_ = kv.Put(context.Background(), ResponseKey(req.RequestID), resp)
	}

	if _, err := client.Items(context.Background(), "AL1"); err != nil {
		t.Fatalf("items failed after retries: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestItemCreatedAtLayouts(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
	}{
		{"2026-08-30T10:00:00Z", true},
		{"Sat Aug 30 10:00:00 UTC 2026", true},
		{"2026-08-30T10:00:00", true},
		{"yesterday", false},
		{"", false},
	}
	for _, tc := range cases {
		item := Item{CreatedTime: tc.raw}
		created, ok := item.CreatedAt()
		if ok != tc.ok {
			t.Fatalf("CreatedAt(%q) ok=%v, want %v", tc.raw, ok, tc.ok)
		}
		if ok && created.Location() != time.UTC {
			t.Fatalf("CreatedAt(%q) not normalized to UTC", tc.raw)
		}
	}
}
