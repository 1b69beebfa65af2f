package todoist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientTasksFiltersByProject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("project_id"); got != "P1" {
			t.Fatalf("expected project_id=P1, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected auth header %q", got)
		}
		_ = json.NewEncoder(w).Encode([]Task{{ID: "t1", ProjectID: "P1", Content: "milk"}})
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, Token: "tok"})
	tasks, err := client.Tasks(context.Background(), "P1")
	if err != nil {
		t.Fatalf("tasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
}

func TestClientRetriesOn429WithRetryAfter(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "t1", Content: "milk"})
	}))
	defer server.Close()

	client := NewClient(ClientOptions{
		BaseURL:   server.URL,
		Token:     "tok",
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
	})
	task, err := client.CreateTask(context.Background(), CreateTaskRequest{Content: "milk", ProjectID: "P1"})
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if task.ID != "t1" {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestClientCloseTaskSwallowsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, Token: "tok"})
	if err := client.CloseTask(context.Background(), "gone"); err != nil {
		t.Fatalf("closing an already-gone task must be a no-op, got %v", err)
	}
}

func TestClientUpdateTaskPostsToTaskPath(t *testing.T) {
	var gotPath string
	var gotBody UpdateTaskRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(Task{ID: "t1", Content: gotBody.Content})
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, Token: "tok"})
	task, err := client.UpdateTask(context.Background(), "t1", UpdateTaskRequest{Content: "oat milk"})
	if err != nil {
		t.Fatalf("update task failed: %v", err)
	}
	if gotPath != "/tasks/t1" {
		t.Fatalf("expected /tasks/t1, got %s", gotPath)
	}
	if task.Content != "oat milk" {
		t.Fatalf("unexpected task %+v", task)
	}
}
