package runstore

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"course-autopilot/internal/model"
)

const LedgerSchemaVersion = 1

const ledgerSchemaJSON = `{
  "type": "object",
  "required": ["schema_version", "entries"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "updated_at": {"type": "string"},
    "entries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["course_id", "activity_id", "state", "attempts", "updated_at"],
        "properties": {
          "course_id": {"type": "string", "minLength": 1},
          "activity_id": {"type": "string", "minLength": 1},
          "state": {"enum": ["pending", "in_progress", "completed", "skipped", "failed"]},
          "attempts": {"type": "integer", "minimum": 0},
          "last_error": {"type": "string"},
          "reason": {"type": "string"},
          "updated_at": {"type": "string", "format": "date-time"}
        }
      }
    }
  }
}`

var ledgerSchema = gojsonschema.NewStringLoader(ledgerSchemaJSON)

type ledgerFile struct {
	SchemaVersion int                 `json:"schema_version"`
	UpdatedAt     string              `json:"updated_at"`
	Entries       []model.LedgerEntry `json:"entries"`
}

// Ledger is the durable (course, activity) -> entry record shared by every
// lane. All methods are safe for concurrent use; each Upsert is flushed to
// disk before it returns.
type Ledger struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	entries map[model.Key]model.LedgerEntry
}

func NewLedger(path string) *Ledger {
	return &Ledger{
		path:    path,
		now:     time.Now,
		entries: make(map[model.Key]model.LedgerEntry),
	}
}

// OpenLedger returns a ledger loaded from path. A missing file is an empty
// ledger.
func OpenLedger(path string) (*Ledger, error) {
	l := NewLedger(path)
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Path() string {
	return l.path
}

// Reload replaces the in-memory state with the last flushed file.
func (l *Ledger) Reload() error {
	entries, err := ReadLedgerFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.mu.Lock()
			l.entries = make(map[model.Key]model.LedgerEntry)
			l.mu.Unlock()
			return nil
		}
		return err
	}

	byKey := make(map[model.Key]model.LedgerEntry, len(entries))
	for _, e := range entries {
		if _, dup := byKey[e.Key()]; dup {
			return fmt.Errorf("ledger %s: duplicate entry %s", l.path, e.Key())
		}
		byKey[e.Key()] = e
	}
	l.mu.Lock()
	l.entries = byKey
	l.mu.Unlock()
	return nil
}

// ReadLedgerFile validates and decodes a ledger file without taking
// ownership of it.
func ReadLedgerFile(path string) ([]model.LedgerEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	result, err := gojsonschema.Validate(ledgerSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("ledger %s is invalid: %s", path, strings.Join(problems, "; "))
	}

	var lf ledgerFile
	if err := ReadJSON(path, &lf); err != nil {
		return nil, err
	}
	if lf.SchemaVersion > LedgerSchemaVersion {
		return nil, fmt.Errorf("ledger %s has schema_version %d, newer than supported %d", path, lf.SchemaVersion, LedgerSchemaVersion)
	}
	return lf.Entries, nil
}

func (l *Ledger) Get(key model.Key) (model.LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return e, ok
}

// Upsert applies mutate to the entry for key (a fresh pending-like entry if
// absent) and flushes the result. The state change is checked against the
// ledger state machine; on any error nothing is stored.
func (l *Ledger) Upsert(key model.Key, mutate func(*model.LedgerEntry) error) (model.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, existed := l.entries[key]
	next := prev
	if !existed {
		next = model.LedgerEntry{CourseID: key.CourseID, ActivityID: key.ActivityID}
	}
	if err := mutate(&next); err != nil {
		return prev, err
	}
	if next.Key() != key {
		return prev, fmt.Errorf("ledger upsert %s: entry key changed to %s", key, next.Key())
	}
	if !model.CanTransition(prev.State, next.State) {
		return prev, &model.TransitionError{Key: key, From: prev.State, To: next.State}
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = l.now().UTC()
	}

	l.entries[key] = next
	if err := l.persistLocked(); err != nil {
		if existed {
			l.entries[key] = prev
		} else {
			delete(l.entries, key)
		}
		return prev, err
	}
	return next, nil
}

// Snapshot returns every entry sorted by key.
func (l *Ledger) Snapshot() []model.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked()
}

// ResetFailed moves every failed entry back to pending so the next dispatch
// retries it. It returns how many entries moved.
func (l *Ledger) ResetFailed() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	prev := make(map[model.Key]model.LedgerEntry)
	for key, e := range l.entries {
		if e.State != model.StateFailed {
			continue
		}
		prev[key] = e
		if err := model.Advance(&e, model.StatePending, model.ReasonReset, now); err != nil {
			return 0, err
		}
		e.Attempts = 0
		l.entries[key] = e
	}
	if len(prev) == 0 {
		return 0, nil
	}
	if err := l.persistLocked(); err != nil {
		for key, e := range prev {
			l.entries[key] = e
		}
		return 0, err
	}
	return len(prev), nil
}

func (l *Ledger) sortedLocked() []model.LedgerEntry {
	out := make([]model.LedgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b model.LedgerEntry) int {
		if c := strings.Compare(a.CourseID, b.CourseID); c != 0 {
			return c
		}
		return strings.Compare(a.ActivityID, b.ActivityID)
	})
	return out
}

func (l *Ledger) persistLocked() error {
	lf := ledgerFile{
		SchemaVersion: LedgerSchemaVersion,
		UpdatedAt:     l.now().UTC().Format(time.RFC3339),
		Entries:       l.sortedLocked(),
	}
	if err := WriteJSON(l.path, lf); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}
