package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/pantrylabs/listsync/internal/alexa"
	"github.com/pantrylabs/listsync/internal/listsync"
)

type ServerConfig struct {
	// AdminToken guards the status, dead-letter, and activity endpoints.
	// Empty disables them.
	AdminToken      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// UserDirectory resolves webhook credentials; *listsync.SyncMapStore
// implements it.
type UserDirectory interface {
	UserByToken(token string) (string, bool)
	TodoistSecret(username string) string
}

type Server struct {
	svc         *listsync.Service
	users       UserDirectory
	kv          alexa.KV
	cfg         ServerConfig
	log         zerolog.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(svc *listsync.Service, users UserDirectory, kv alexa.KV, cfg ServerConfig, log zerolog.Logger) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		svc:         svc,
		users:       users,
		kv:          kv,
		cfg:         cfg,
		log:         log,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/" || r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/v1/webhooks/") && r.Method == http.MethodPost {
		source := listsync.Source(strings.TrimPrefix(r.URL.Path, "/v1/webhooks/"))
		if !source.Valid() {
			writeError(w, http.StatusNotFound, "not_found", "unknown webhook source")
			return
		}
		s.handleWebhook(w, r, source)
		return
	}
	if r.URL.Path == "/v1/alexa/callbacks" && r.Method == http.MethodPost {
		s.handleAlexaCallback(w, r)
		return
	}
	if r.URL.Path == "/v1/status" && r.Method == http.MethodGet {
		s.handleStatus(w, r)
		return
	}
	if r.URL.Path == "/v1/dead-letters" && r.Method == http.MethodGet {
		s.handleDeadLetters(w, r)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "dead-letters" && parts[3] == "replay" && r.Method == http.MethodPost {
		s.handleDeadLetterReplay(w, r, parts[2])
		return
	}
	if r.URL.Path == "/v1/activity/ws" && r.Method == http.MethodGet {
		s.handleActivityWS(w, r)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

type alexaWebhookRequest struct {
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
	ListID    string    `json:"listId"`
	Operation string    `json:"operation"`
	ItemIDs   []string  `json:"itemIds"`
}

type mealieWebhookRequest struct {
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
	ListID    string    `json:"listId"`
}

type todoistWebhookRequest struct {
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
	ProjectID string    `json:"projectId"`
	EventData struct {
		ProjectID string `json:"project_id"`
	} `json:"event_data"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, source listsync.Source) {
	username, ok := s.users.UserByToken(r.Header.Get("X-Webhook-Token"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unknown webhook token")
		return
	}
	if s.rateLimiter != nil {
		key := username + "|" + string(source)
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if source == listsync.SourceTodoist {
		if secret := s.users.TodoistSecret(username); secret != "" {
			if authErr := verifyTodoistHMAC(secret, r.Header.Get("X-Todoist-Hmac-SHA256"), body); authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message)
				return
			}
		}
	}

	event, err := buildSyncEvent(source, username, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	dedupeKey := ""
	if event.EventID != "" {
		dedupeKey = string(source) + ":" + event.EventID
	}
	if event.EventID == "" {
		event.EventID = generateEventID()
		payload, err = json.Marshal(event)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
	}
	resp, err := s.svc.Submit(r.Context(), payload, username, dedupeKey)
	if err != nil {
		if errors.Is(err, listsync.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "queue_full", "event queue is full")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	resp.EventID = event.EventID
	if resp.Status == "duplicate" {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// buildSyncEvent wraps a source-specific webhook body into the internal
// event shape. A missing event id gets a generated one, which also opts the
// delivery out of dedupe since there is nothing stable to key on.
func buildSyncEvent(source listsync.Source, username string, body []byte) (listsync.SyncEvent, error) {
	event := listsync.SyncEvent{
		Username: username,
		Source:   source,
	}
	switch source {
	case listsync.SourceAlexa:
		var req alexaWebhookRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return listsync.SyncEvent{}, fmt.Errorf("invalid alexa webhook body: %w", err)
		}
		if req.ListID == "" {
			return listsync.SyncEvent{}, errors.New("alexa webhook requires listId")
		}
		event.EventID = req.EventID
		event.Timestamp = req.Timestamp
		event.Alexa = &listsync.AlexaEventPayload{
			ListID:    req.ListID,
			Operation: listsync.AlexaOperation(req.Operation),
			ItemIDs:   req.ItemIDs,
		}
	case listsync.SourceMealie:
		var req mealieWebhookRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return listsync.SyncEvent{}, fmt.Errorf("invalid mealie webhook body: %w", err)
		}
		if req.ListID == "" {
			return listsync.SyncEvent{}, errors.New("mealie webhook requires listId")
		}
		event.EventID = req.EventID
		event.Timestamp = req.Timestamp
		event.ListID = req.ListID
	case listsync.SourceTodoist:
		var req todoistWebhookRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return listsync.SyncEvent{}, fmt.Errorf("invalid todoist webhook body: %w", err)
		}
		projectID := req.ProjectID
		if projectID == "" {
			projectID = req.EventData.ProjectID
		}
		if projectID == "" {
			return listsync.SyncEvent{}, errors.New("todoist webhook requires projectId")
		}
		event.EventID = req.EventID
		event.Timestamp = req.Timestamp
		event.Todoist = &listsync.TodoistEventPayload{ProjectID: projectID}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return event, nil
}

type alexaCallbackRequest struct {
	RequestID string `json:"requestId"`
}

// handleAlexaCallback receives the messaging gateway's asynchronous replies
// and parks them in the KV store where the Alexa client polls for them.
func (s *Server) handleAlexaCallback(w http.ResponseWriter, r *http.Request) {
	if s.kv == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "alexa callbacks not configured")
		return
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req alexaCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.RequestID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "callback requires requestId")
		return
	}
	if err := s.kv.Put(r.Context(), alexa.ResponseKey(req.RequestID), body); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "requestId": req.RequestID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if authErr := checkAdminToken(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if authErr := checkAdminToken(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": s.svc.DeadLetters()})
}

func (s *Server) handleDeadLetterReplay(w http.ResponseWriter, r *http.Request, id string) {
	if authErr := checkAdminToken(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if err := s.svc.ReplayDeadLetter(r.Context(), id); err != nil {
		if errors.Is(err, listsync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		if errors.Is(err, listsync.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": id})
}

// handleActivityWS streams processed-event records over a websocket. The
// admin token may arrive as a query parameter since browser websocket
// clients cannot set headers.
func (s *Server) handleActivityWS(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	if authErr := checkAdminToken(authHeader, s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub, cancel := s.svc.Activity().Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case activity, ok := <-sub:
			if !ok {
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, activity)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func generateEventID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "evt-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "evt-" + hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
