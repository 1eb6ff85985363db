// Package session persists the record of the active capture so separate
// CLI invocations can inspect and stop it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/attdevsupport/aro-collector/internal/collector"
	"github.com/attdevsupport/aro-collector/internal/events"
	"github.com/fsnotify/fsnotify"
)

const fileName = "session.json"

// ErrNoSession is returned by Load when no session file exists on disk.
var ErrNoSession = errors.New("no active session")

// Record describes the capture owned by a running collector process.
type Record struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Backend   string    `json:"backend"`
	Device    string    `json:"device"`
	Folder    string    `json:"folder"`
	Video     bool      `json:"video"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	LastError string    `json:"lastError,omitempty"`
}

// Store reads and writes the session record in one directory.
type Store struct {
	path string
	now  func() time.Time
}

// NewStore creates the directory if needed and returns a store over it.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".aro")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &Store{path: filepath.Join(dir, fileName), now: time.Now}, nil
}

// Path returns the record file location.
func (s *Store) Path() string {
	return s.path
}

// Save writes r atomically via a temp file and rename.
func (s *Store) Save(r *Record) (err error) {
	if r == nil {
		return errors.New("session record is nil")
	}
	r.UpdatedAt = s.now().UTC()
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "session-*.json.tmp")
	if err != nil {
		return fmt.Errorf("persist session record: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persist session record: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("persist session record: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("persist session record: %w", err)
	}
	return nil
}

// Load reads the record. It returns ErrNoSession when none exists.
func (s *Store) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("read session record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse session record: %w", err)
	}
	return &r, nil
}

// Update loads the record, applies fn and saves it.
func (s *Store) Update(fn func(*Record) error) error {
	r, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(r); err != nil {
		return err
	}
	return s.Save(r)
}

// Delete removes the record file.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session record: %w", err)
	}
	return nil
}

// Watch calls fn with the current record and again after every change to it
// until ctx is cancelled. A deleted record is reported as ErrNoSession.
func (s *Store) Watch(ctx context.Context, fn func(*Record, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create session watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched because Save replaces the file by rename.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch session directory: %w", err)
	}

	fn(s.Load())
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				fn(s.Load())
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fn(nil, fmt.Errorf("session watcher: %w", werr))
		}
	}
}

// Follow mirrors session transitions published on bus into the record. A
// record saved before the session existed adopts the first session it sees.
func (s *Store) Follow(bus events.Bus) events.CancelFunc {
	return bus.Subscribe(events.EventTypeSessionTransition, func(event events.Event) {
		transition, ok := event.Payload.(collector.Transition)
		if !ok {
			return
		}
		_ = s.Update(func(r *Record) error {
			if r.ID == "" {
				r.ID = transition.SessionID
			}
			if r.ID != transition.SessionID {
				return fmt.Errorf("record %s does not own session %s", r.ID, transition.SessionID)
			}
			r.Status = string(transition.To)
			if transition.From == collector.StatusStarting && transition.To == collector.StatusStopped {
				r.LastError = transition.Reason
			}
			return nil
		})
	})
}
