package listsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// UserConfig declares one user: webhook credentials plus the list maps that
// belong to them. The Username field on each map is filled in from the
// parent during load so the maps file stays flat.
type UserConfig struct {
	Username      string        `yaml:"username"`
	WebhookToken  string        `yaml:"webhookToken"`
	TodoistSecret string        `yaml:"todoistSecret,omitempty"`
	Lists         []ListSyncMap `yaml:"lists"`
}

type Config struct {
	Users []UserConfig `yaml:"users"`
}

// SyncMapStore holds the loaded user/map configuration behind a read lock
// so a reload swaps it atomically under running workers.
type SyncMapStore struct {
	mu      sync.RWMutex
	path    string
	users   map[string]UserConfig
	byToken map[string]string
}

func NewSyncMapStore(path string) (*SyncMapStore, error) {
	s := &SyncMapStore{path: strings.TrimSpace(path)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticSyncMapStore builds a store from an in-memory config, for tests
// and embedding.
func NewStaticSyncMapStore(cfg Config) *SyncMapStore {
	s := &SyncMapStore{}
	s.install(cfg)
	return s
}

func (s *SyncMapStore) Reload() error {
	if s.path == "" {
		return fmt.Errorf("%w: config path is empty", ErrInvalidInput)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.install(cfg)
	return nil
}

func (s *SyncMapStore) install(cfg Config) {
	users := make(map[string]UserConfig, len(cfg.Users))
	byToken := make(map[string]string, len(cfg.Users))
	for _, user := range cfg.Users {
		for i := range user.Lists {
			user.Lists[i].Username = user.Username
		}
		users[user.Username] = user
		if user.WebhookToken != "" {
			byToken[user.WebhookToken] = user.Username
		}
	}
	s.mu.Lock()
	s.users = users
	s.byToken = byToken
	s.mu.Unlock()
}

func validateConfig(cfg Config) error {
	seen := make(map[string]struct{}, len(cfg.Users))
	for _, user := range cfg.Users {
		if strings.TrimSpace(user.Username) == "" {
			return fmt.Errorf("%w: user with empty username", ErrInvalidInput)
		}
		if _, dup := seen[user.Username]; dup {
			return fmt.Errorf("%w: duplicate user %s", ErrInvalidInput, user.Username)
		}
		seen[user.Username] = struct{}{}
		for _, m := range user.Lists {
			if m.Empty() {
				return fmt.Errorf("%w: user %s has a list map without canonicalListId", ErrInvalidInput, user.Username)
			}
		}
	}
	return nil
}

func (s *SyncMapStore) MapsForUser(username string) []ListSyncMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[username]
	if !ok {
		return nil
	}
	return append([]ListSyncMap(nil), user.Lists...)
}

// UserByToken resolves the webhook bearer token to a username. An empty
// token never matches.
func (s *SyncMapStore) UserByToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	username, ok := s.byToken[token]
	return username, ok
}

func (s *SyncMapStore) TodoistSecret(username string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[username].TodoistSecret
}

func (s *SyncMapStore) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	return names
}

// Watch reloads the store whenever the config file changes on disk. The
// parent directory is watched rather than the file itself so editors that
// replace the file via rename keep triggering events.
func (s *SyncMapStore) Watch(ctx context.Context, log zerolog.Logger) error {
	if s.path == "" {
		return fmt.Errorf("%w: config path is empty", ErrInvalidInput)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	target := filepath.Base(s.path)
	go func() {
		defer watcher.Close()
		// Rename-and-replace arrives as a burst of events; debounce so a
		// half-written file is not parsed.
		var pending *time.Timer
		reload := func() {
			if err := s.Reload(); err != nil {
				log.Error().Err(err).Str("path", s.path).Msg("config reload failed, keeping previous config")
				return
			}
			log.Info().Str("path", s.path).Msg("config reloaded")
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(100*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}
