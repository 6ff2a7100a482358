// Package registry persists the set of users that have ever interacted
// with the bot, so a restart can notify them. The set only grows; it is
// loaded once at startup and the backing file is rewritten wholesale on
// every new-user insertion (atomically, via a temp file and rename).
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// fileFormat is the on-disk shape: one structured record holding the
// known user IDs.
type fileFormat struct {
	Users []int64 `json:"users"`
}

// Store is the durable active-user registry. All methods are safe for
// concurrent use; writers serialize through one mutex so the file is
// never written concurrently.
type Store struct {
	logger *slog.Logger
	path   string

	mu    sync.Mutex
	users map[int64]struct{}
}

// Open loads the registry from path, creating an empty one when the
// file does not exist yet.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		logger: logger,
		path:   path,
		users:  make(map[int64]struct{}),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	for _, id := range f.Users {
		s.users[id] = struct{}{}
	}

	logger.Info("active-user registry loaded",
		"path", path,
		"users", len(s.users),
	)
	return s, nil
}

// Add records a user. Known users are a no-op; new users trigger a
// synchronous rewrite of the backing file so the insertion survives a
// crash immediately after.
func (s *Store) Add(user int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user]; ok {
		return nil
	}
	s.users[user] = struct{}{}

	if err := s.writeLocked(); err != nil {
		// Keep the in-memory insertion: the user is known for this
		// process lifetime even if persistence failed.
		s.logger.Error("registry write failed", "path", s.path, "error", err)
		return err
	}

	s.logger.Debug("active user registered", "user_id", user, "total", len(s.users))
	return nil
}

// Users returns all known user IDs in ascending order.
func (s *Store) Users() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of known users.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// writeLocked rewrites the registry file atomically. Caller must hold
// s.mu.
func (s *Store) writeLocked() error {
	ids := make([]int64, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	data, err := json.MarshalIndent(fileFormat{Users: ids}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".registry-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename registry: %w", err)
	}
	return nil
}
