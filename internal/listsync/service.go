package listsync

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type ServiceOptions struct {
	Queue      EventQueue
	Backend    StateBackend
	Dispatcher *Dispatcher
	Log        zerolog.Logger
	// Workers is the number of ordering shards. All events sharing an
	// ordering key land on the same shard, so one user's events never
	// reorder while different users still sync in parallel.
	Workers           int
	QueueCapacity     int
	SuppressionWindow time.Duration
	DedupeWindow      time.Duration
	MaxDeadLetters    int
}

type ServiceStatus struct {
	QueueDepth      int             `json:"queueDepth"`
	QueueCapacity   int             `json:"queueCapacity"`
	Counters        ingressCounters `json:"counters"`
	DeadLetterCount int             `json:"deadLetterCount"`
	Suppressions    int             `json:"suppressions"`
}

// Service owns the sync pipeline: webhook bodies enter through Submit, a
// pump routes them to ordering shards, and shard workers run the dispatcher
// and persist the bookkeeping that must survive restarts.
type Service struct {
	queue      EventQueue
	backend    StateBackend
	dispatcher *Dispatcher
	log        zerolog.Logger
	activity   *ActivityBroadcaster

	suppressionWindow time.Duration
	dedupeWindow      time.Duration
	maxDeadLetters    int

	mu            sync.Mutex
	deliveryIndex map[string]time.Time
	suppressions  map[string]suppressionRecord
	counters      ingressCounters
	deadLetters   map[string]DeadLetter

	shards    []chan QueuedEvent
	queueCtx  context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher is required", ErrInvalidInput)
	}
	queue := opts.Queue
	if queue == nil {
		capacity := opts.QueueCapacity
		if capacity <= 0 {
			capacity = 1024
		}
		queue = NewInMemoryEventQueue(capacity)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	suppressionWindow := opts.SuppressionWindow
	if suppressionWindow <= 0 {
		suppressionWindow = 2 * time.Minute
	}
	dedupeWindow := opts.DedupeWindow
	if dedupeWindow <= 0 {
		dedupeWindow = 10 * time.Minute
	}
	maxDeadLetters := opts.MaxDeadLetters
	if maxDeadLetters <= 0 {
		maxDeadLetters = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		queue:             queue,
		backend:           opts.Backend,
		dispatcher:        opts.Dispatcher,
		log:               opts.Log,
		activity:          NewActivityBroadcaster(),
		suppressionWindow: suppressionWindow,
		dedupeWindow:      dedupeWindow,
		maxDeadLetters:    maxDeadLetters,
		deliveryIndex:     make(map[string]time.Time),
		suppressions:      make(map[string]suppressionRecord),
		deadLetters:       make(map[string]DeadLetter),
		shards:            make([]chan QueuedEvent, workers),
		queueCtx:          ctx,
		cancel:            cancel,
	}
	if err := s.restoreState(); err != nil {
		cancel()
		return nil, err
	}
	for i := range s.shards {
		s.shards[i] = make(chan QueuedEvent, 16)
		s.wg.Add(1)
		go s.worker(s.shards[i])
	}
	s.wg.Add(1)
	go s.pump()
	return s, nil
}

func (s *Service) Activity() *ActivityBroadcaster { return s.activity }

// Submit accepts one raw event body for asynchronous processing. DedupeKey,
// when set, drops redeliveries seen inside the dedupe window.
func (s *Service) Submit(ctx context.Context, body []byte, orderingKey, dedupeKey string) (QueuedResponse, error) {
	if len(body) == 0 {
		return QueuedResponse{}, fmt.Errorf("%w: empty body", ErrInvalidInput)
	}
	if dedupeKey != "" && s.markDelivery(dedupeKey) {
		s.bumpTotal(func(t *ingressCounters) { t.DedupedTotal++ })
		return QueuedResponse{Status: "duplicate", Depth: s.queue.Depth()}, nil
	}
	event := QueuedEvent{
		Body:        append([]byte(nil), body...),
		OrderingKey: orderingKey,
		DedupeKey:   dedupeKey,
		EnqueuedAt:  time.Now().UTC(),
	}
	if !s.queue.TryEnqueue(event) {
		s.bumpTotal(func(t *ingressCounters) { t.DroppedTotal++ })
		return QueuedResponse{}, ErrQueueFull
	}
	s.bumpTotal(func(t *ingressCounters) { t.AcceptedTotal++ })
	return QueuedResponse{Status: "accepted", Depth: s.queue.Depth()}, nil
}

// markDelivery reports whether the delivery key was already seen inside the
// dedupe window, recording it otherwise.
func (s *Service) markDelivery(key string) bool {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, seen := range s.deliveryIndex {
		if now.Sub(seen) > s.dedupeWindow {
			delete(s.deliveryIndex, k)
		}
	}
	if seen, ok := s.deliveryIndex[key]; ok && now.Sub(seen) <= s.dedupeWindow {
		return true
	}
	s.deliveryIndex[key] = now
	return false
}

func (s *Service) pump() {
	defer s.wg.Done()
	for {
		event, ok := s.queue.Dequeue(s.queueCtx)
		if !ok {
			for _, shard := range s.shards {
				close(shard)
			}
			return
		}
		shard := s.shards[shardIndex(event.OrderingKey, len(s.shards))]
		select {
		case shard <- event:
		case <-s.queueCtx.Done():
			for _, sh := range s.shards {
				close(sh)
			}
			return
		}
	}
}

func (s *Service) worker(shard chan QueuedEvent) {
	defer s.wg.Done()
	for event := range shard {
		s.process(event)
	}
}

func (s *Service) process(queued QueuedEvent) {
	event, err := ParseSyncEvent(queued.Body)
	if err != nil {
		s.log.Error().Err(err).Str("orderingKey", queued.OrderingKey).Msg("rejecting malformed event")
		s.addDeadLetter(queued, err)
		s.bumpTotal(func(t *ingressCounters) { t.FailedTotal++ })
		s.publish(Activity{Time: time.Now().UTC(), Username: queued.OrderingKey, Outcome: OutcomeRejected, Detail: err.Error()})
		s.persistState()
		return
	}

	if event.Source == SourceMealie && s.consumeSuppression(event.Username, event.ListID) {
		s.log.Debug().
			Str("user", event.Username).
			Str("list", event.ListID).
			Str("event", event.EventID).
			Msg("suppressing canonical follow-up")
		s.bumpTotal(func(t *ingressCounters) { t.SuppressedTotal++ })
		s.bumpSource(event.Source, func(c *sourceCounter) { c.SuppressedTotal++ })
		s.publish(Activity{Time: time.Now().UTC(), Username: event.Username, Source: event.Source, EventID: event.EventID, Outcome: OutcomeSuppressed})
		s.persistState()
		return
	}

	tag, err := s.dispatcher.Handle(s.queueCtx, event)
	if tag.Source != "" {
		s.recordSuppression(event.Username, tag)
	}
	if err != nil {
		s.log.Error().Err(err).
			Str("user", event.Username).
			Str("event", event.EventID).
			Msg("sync failed")
		s.addDeadLetter(queued, err)
		s.bumpTotal(func(t *ingressCounters) { t.FailedTotal++ })
		s.bumpSource(event.Source, func(c *sourceCounter) { c.FailedTotal++ })
		s.publish(Activity{Time: time.Now().UTC(), Username: event.Username, Source: event.Source, EventID: event.EventID, Outcome: OutcomeFailed, Detail: err.Error()})
		s.persistState()
		return
	}
	s.bumpTotal(func(t *ingressCounters) { t.SyncedTotal++ })
	s.bumpSource(event.Source, func(c *sourceCounter) { c.SyncedTotal++ })
	s.publish(Activity{Time: time.Now().UTC(), Username: event.Username, Source: event.Source, EventID: event.EventID, Outcome: OutcomeSynced})
	s.persistState()
}

// suppressionKey scopes suppression records to one canonical list. Activity
// on one of a user's lists must not swallow canonical events for another.
func suppressionKey(username, listID string) string {
	return username + "|" + listID
}

func (s *Service) recordSuppression(username string, tag FollowUp) {
	s.mu.Lock()
	s.suppressions[suppressionKey(username, tag.ListID)] = suppressionRecord{Source: tag.Source, RecordedAt: time.Now().UTC()}
	s.mu.Unlock()
}

// consumeSuppression reports whether a live suppression exists for the
// user's list, removing it. One push produces at most one canonical
// follow-up, so the record is single-use.
func (s *Service) consumeSuppression(username, listID string) bool {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := suppressionKey(username, listID)
	record, ok := s.suppressions[key]
	if !ok {
		return false
	}
	delete(s.suppressions, key)
	return now.Sub(record.RecordedAt) <= s.suppressionWindow
}

func (s *Service) bumpTotal(fn func(t *ingressCounters)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.counters)
}

func (s *Service) bumpSource(source Source, fn func(c *sourceCounter)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters.BySource == nil {
		s.counters.BySource = make(map[string]sourceCounter)
	}
	counter := s.counters.BySource[string(source)]
	fn(&counter)
	s.counters.BySource[string(source)] = counter
}

func (s *Service) addDeadLetter(queued QueuedEvent, cause error) {
	letter := DeadLetter{
		ID:          fmt.Sprintf("dl-%d", time.Now().UnixNano()),
		Body:        append(json.RawMessage(nil), queued.Body...),
		OrderingKey: queued.OrderingKey,
		Reason:      cause.Error(),
		FailedAt:    time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.deadLetters) >= s.maxDeadLetters {
		oldestID := ""
		oldest := time.Time{}
		for id, dl := range s.deadLetters {
			if oldestID == "" || dl.FailedAt.Before(oldest) {
				oldestID = id
				oldest = dl.FailedAt
			}
		}
		delete(s.deadLetters, oldestID)
	}
	s.deadLetters[letter.ID] = letter
}

func (s *Service) DeadLetters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, 0, len(s.deadLetters))
	for _, letter := range s.deadLetters {
		out = append(out, letter)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out
}

// ReplayDeadLetter re-enqueues a dead letter by id. The letter is removed
// first so a replay that fails again produces a fresh letter rather than a
// duplicate.
func (s *Service) ReplayDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	letter, ok := s.deadLetters[id]
	if ok {
		delete(s.deadLetters, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: dead letter %s", ErrNotFound, id)
	}
	event := QueuedEvent{
		Body:        letter.Body,
		OrderingKey: letter.OrderingKey,
		EnqueuedAt:  time.Now().UTC(),
	}
	if !s.queue.Enqueue(ctx, event) {
		s.mu.Lock()
		s.deadLetters[letter.ID] = letter
		s.mu.Unlock()
		return ErrQueueFull
	}
	s.persistState()
	return nil
}

func (s *Service) Status() ServiceStatus {
	s.mu.Lock()
	counters := s.counters
	if s.counters.BySource != nil {
		counters.BySource = make(map[string]sourceCounter, len(s.counters.BySource))
		for k, v := range s.counters.BySource {
			counters.BySource[k] = v
		}
	}
	deadLetters := len(s.deadLetters)
	suppressions := len(s.suppressions)
	s.mu.Unlock()
	return ServiceStatus{
		QueueDepth:      s.queue.Depth(),
		QueueCapacity:   s.queue.Capacity(),
		Counters:        counters,
		DeadLetterCount: deadLetters,
		Suppressions:    suppressions,
	}
}

func (s *Service) restoreState() error {
	if s.backend == nil {
		return nil
	}
	state, err := s.backend.Load()
	if err != nil {
		return fmt.Errorf("load persisted state: %w", err)
	}
	if state == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.DeliveryIndex != nil {
		s.deliveryIndex = state.DeliveryIndex
	}
	if state.Suppressions != nil {
		s.suppressions = state.Suppressions
	}
	s.counters = state.Counters
	if state.DeadLetters != nil {
		s.deadLetters = state.DeadLetters
	}
	return nil
}

func (s *Service) persistState() {
	if s.backend == nil {
		return
	}
	s.mu.Lock()
	state := persistedState{
		DeliveryIndex: make(map[string]time.Time, len(s.deliveryIndex)),
		Suppressions:  make(map[string]suppressionRecord, len(s.suppressions)),
		Counters:      s.counters,
		DeadLetters:   make(map[string]DeadLetter, len(s.deadLetters)),
	}
	for k, v := range s.deliveryIndex {
		state.DeliveryIndex[k] = v
	}
	for k, v := range s.suppressions {
		state.Suppressions[k] = v
	}
	for k, v := range s.deadLetters {
		state.DeadLetters[k] = v
	}
	s.mu.Unlock()
	if err := s.backend.Save(&state); err != nil {
		s.log.Error().Err(err).Msg("persist state failed")
	}
}

func (s *Service) publish(activity Activity) {
	s.activity.Publish(activity)
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		_ = s.queue.Close()
		s.persistState()
		if closer, ok := s.backend.(stateBackendCloser); ok {
			_ = closer.Close()
		}
	})
	return nil
}

func shardIndex(orderingKey string, shards int) int {
	if shards <= 1 {
		return 0
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(orderingKey))
	return int(hasher.Sum32() % uint32(shards))
}
