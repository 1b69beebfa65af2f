package listsync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("listsync_state_it")
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	saved := sampleState()
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected non-nil snapshot after save")
	}
	if loaded.Counters.SyncedTotal != 2 || loaded.Suppressions[suppressionKey("ana", "M1")].Source != SourceAlexa {
		t.Fatalf("unexpected loaded snapshot: %+v", loaded)
	}

	loaded.Counters.SyncedTotal = 12
	if err := backend.Save(loaded); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	reloaded, err := backend.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded == nil || reloaded.Counters.SyncedTotal != 12 {
		t.Fatalf("expected syncedTotal 12 after update, got %+v", reloaded)
	}
}

func TestPostgresIntegrationEventQueueFIFOAndCapacity(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	queue, err := NewPostgresEventQueue(dsn, 2)
	if err != nil {
		t.Fatalf("new postgres event queue: %v", err)
	}
	pg, ok := queue.(*PostgresEventQueue)
	if !ok {
		t.Fatalf("expected *PostgresEventQueue, got %T", queue)
	}
	pg.tableName = postgresIntegrationTableName("listsync_evq_it")
	pg.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	if !queue.TryEnqueue(queuedEvent(`{"n":1}`)) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if !queue.TryEnqueue(queuedEvent(`{"n":2}`)) {
		t.Fatalf("expected second enqueue to succeed")
	}
	if queue.TryEnqueue(queuedEvent(`{"n":3}`)) {
		t.Fatalf("expected enqueue at capacity to fail")
	}
	if got := queue.Depth(); got != 2 {
		t.Fatalf("expected depth 2, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, ok := queue.Dequeue(ctx)
	if !ok || string(first.Body) != `{"n":1}` {
		t.Fatalf("first dequeue: ok=%v body=%s", ok, first.Body)
	}
	if first.OrderingKey != "ana" {
		t.Fatalf("ordering key lost: %q", first.OrderingKey)
	}
	second, ok := queue.Dequeue(ctx)
	if !ok || string(second.Body) != `{"n":2}` {
		t.Fatalf("second dequeue: ok=%v body=%s", ok, second.Body)
	}

	emptyCtx, emptyCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer emptyCancel()
	if _, ok := queue.Dequeue(emptyCtx); ok {
		t.Fatalf("expected empty dequeue to return false")
	}
}

func TestPostgresIntegrationQueueSurvivesReopen(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	tableName := postgresIntegrationTableName("listsync_evq_reopen_it")
	queueKey := postgresIntegrationTableName("qk")

	queue, err := NewPostgresEventQueue(dsn, 4)
	if err != nil {
		t.Fatalf("new postgres event queue: %v", err)
	}
	first := queue.(*PostgresEventQueue)
	first.tableName = tableName
	first.queueKey = queueKey
	t.Cleanup(func() {
		postgresIntegrationDropTable(t, dsn, tableName)
	})

	if !queue.TryEnqueue(queuedEvent(`{"n":1}`)) {
		t.Fatalf("enqueue failed")
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopenedRaw, err := NewPostgresEventQueue(dsn, 4)
	if err != nil {
		t.Fatalf("reopen postgres event queue: %v", err)
	}
	reopened := reopenedRaw.(*PostgresEventQueue)
	reopened.tableName = tableName
	reopened.queueKey = queueKey
	t.Cleanup(func() { _ = reopenedRaw.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	event, ok := reopenedRaw.Dequeue(ctx)
	if !ok || string(event.Body) != `{"n":1}` {
		t.Fatalf("dequeue after reopen: ok=%v body=%s", ok, event.Body)
	}
}

func TestPostgresIntegrationQueueCapacityUnderConcurrentEnqueue(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	queue, err := NewPostgresEventQueue(dsn, 1)
	if err != nil {
		t.Fatalf("new postgres event queue: %v", err)
	}
	pg := queue.(*PostgresEventQueue)
	pg.tableName = postgresIntegrationTableName("listsync_evq_race_it")
	pg.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	const producers = 16
	var successCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if queue.TryEnqueue(queuedEvent(fmt.Sprintf(`{"n":%d}`, n))) {
				successCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := successCount.Load(); got != 1 {
		t.Fatalf("expected exactly 1 successful enqueue at capacity=1, got %d", got)
	}
	if depth := queue.Depth(); depth != 1 {
		t.Fatalf("expected queue depth 1 after concurrent enqueue, got %d", depth)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LISTSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set LISTSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
