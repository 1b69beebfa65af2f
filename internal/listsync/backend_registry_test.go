package listsync

import "testing"

func TestRegisteredFactoriesOverrideBuiltins(t *testing.T) {
	RegisterStateBackendFactory("  CustomState  ", func(dsn string) (StateBackend, error) {
		return NewInMemoryStateBackend(), nil
	})
	RegisterEventQueueFactory("CustomQueue", func(dsn string, capacity int) (EventQueue, error) {
		return NewInMemoryEventQueue(capacity), nil
	})

	backend, err := BuildStateBackendFromDSN("customstate://anything")
	if err != nil {
		t.Fatalf("custom state dsn: %v", err)
	}
	if _, ok := backend.(*InMemoryStateBackend); !ok {
		t.Fatalf("custom state factory not used, got %T", backend)
	}

	queue, err := BuildEventQueueFromDSN("customqueue://anything", 7)
	if err != nil {
		t.Fatalf("custom queue dsn: %v", err)
	}
	if queue.Capacity() != 7 {
		t.Fatalf("custom queue capacity %d", queue.Capacity())
	}
}

func TestRegistryIgnoresInvalidRegistrations(t *testing.T) {
	RegisterStateBackendFactory("", func(dsn string) (StateBackend, error) { return nil, nil })
	RegisterStateBackendFactory("niller", nil)
	if _, ok := lookupStateBackendFactory(""); ok {
		t.Fatalf("empty scheme registered")
	}
	if _, ok := lookupStateBackendFactory("niller"); ok {
		t.Fatalf("nil factory registered")
	}
}
