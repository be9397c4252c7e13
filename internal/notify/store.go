// Package notify keeps the small local log of user-facing alerts. The
// log is the only state the sync core persists across restarts: it is
// read once at open and rewritten wholesale on every mutation.
package notify

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/corehr/portal-sync/internal/metrics"
	"github.com/corehr/portal-sync/internal/models"
)

const (
	// MaxEntries bounds the log; recording beyond it evicts oldest-first.
	MaxEntries = 20

	// storeDirPerm is the permission mode for the store directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt lock.
	storeOpenTimeout = 5 * time.Second
)

var logKey = []byte("log")

// Chime plays the audible alert cue. Implementations must be safe to
// call from the event path; a blocked or denied attempt should return
// an error, which the store swallows.
type Chime interface {
	Play() error
}

// Recorder is the mutation surface of the notification log. Tests and
// UI surfaces depend on this, not on the bbolt-backed Store.
type Recorder interface {
	Record(ntype, title, message, link string) models.Notification
	MarkRead(id string) bool
	MarkAllRead()
	All() []models.Notification
}

// Store is a bbolt-backed bounded notification log. Entries are held
// newest-first in memory and flushed as one JSON array on every
// mutation.
type Store struct {
	db *bolt.DB

	mu      sync.Mutex
	entries []models.Notification

	bucket []byte
	chime  Chime
	logger *slog.Logger
	now    func() time.Time
}

// Open loads the log stored under name at path, creating the database
// if needed. name is the opaque store key; two stores with different
// names share a file without seeing each other's entries.
func Open(path, name string, chime Chime, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening notification db: %w", err)
	}

	bucket := []byte(name)
	var entries []models.Notification

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}

		v := b.Get(logKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &entries)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading notification log: %w", err)
	}

	return &Store{
		db:      db,
		bucket:  bucket,
		entries: entries,
		chime:   chime,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record prepends a notification, truncates the log to MaxEntries, and
// persists it. The audible cue plays at most once per recorded entry,
// best-effort: a failed attempt is logged and never retried.
func (s *Store) Record(ntype, title, message, link string) models.Notification {
	n := models.Notification{
		ID:        uuid.NewString(),
		Type:      ntype,
		Title:     title,
		Message:   message,
		Link:      link,
		Timestamp: s.now(),
	}

	s.mu.Lock()
	s.entries = append([]models.Notification{n}, s.entries...)
	if len(s.entries) > MaxEntries {
		s.entries = s.entries[:MaxEntries]
	}
	s.persist()
	s.mu.Unlock()
	metrics.IncNotification()

	if s.chime != nil {
		if err := s.chime.Play(); err != nil {
			s.logger.Debug("alert cue blocked", slog.String("error", err.Error()))
		}
	}

	return n
}

// MarkRead flips one entry's read flag and persists. Returns false if
// the id is unknown (already evicted, for instance).
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].ID == id {
			if !s.entries[i].Read {
				s.entries[i].Read = true
				s.persist()
			}
			return true
		}
	}

	return false
}

// MarkAllRead flips every entry's read flag and persists once.
func (s *Store) MarkAllRead() {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for i := range s.entries {
		if !s.entries[i].Read {
			s.entries[i].Read = true
			changed = true
		}
	}
	if changed {
		s.persist()
	}
}

// All returns the log newest-first.
func (s *Store) All() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Notification, len(s.entries))
	copy(out, s.entries)

	return out
}

// Unread returns the number of unread entries.
func (s *Store) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.entries {
		if !s.entries[i].Read {
			n++
		}
	}

	return n
}

// HandleEvent records a tray notification for non-message push events.
// Message alerts belong to the chat surface, which renders them from
// the conversation state instead.
func (s *Store) HandleEvent(evt models.InboundEvent) {
	switch evt.Kind {
	case models.EventNewNotice:
		var p models.NoticePayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			s.logger.Warn("failed to decode notice push", slog.String("error", err.Error()))
			return
		}
		s.Record("notice", p.Title, "New notice in "+p.Category, "/notices/"+p.ID)

	case models.EventNewTask:
		var p models.TaskPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			s.logger.Warn("failed to decode task push", slog.String("error", err.Error()))
			return
		}
		s.Record("task", p.Title, "New task due "+p.DueDate, "/tasks/"+p.ID)

	case models.EventNewMeeting:
		var p models.MeetingPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			s.logger.Warn("failed to decode meeting push", slog.String("error", err.Error()))
			return
		}
		s.Record("meeting", p.Title, "Meeting at "+p.StartTime, "/meetings/"+p.ID)
	}
}

// persist rewrites the whole log. Callers hold s.mu. Failures are
// logged, not returned: the in-memory log stays authoritative for this
// process and the next successful mutation repairs the file.
func (s *Store) persist() {
	data, err := json.Marshal(s.entries)
	if err != nil {
		s.logger.Warn("failed to encode notification log", slog.String("error", err.Error()))
		return
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put(logKey, data)
	})
	if err != nil {
		s.logger.Warn("failed to persist notification log", slog.String("error", err.Error()))
	}
}
