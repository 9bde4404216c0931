package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/codex-k8s/quota-mcp-server/internal/extension"
	"github.com/codex-k8s/quota-mcp-server/internal/jsonfmt"
	"github.com/codex-k8s/quota-mcp-server/internal/timeutil"
)

// FileName is the default snapshot file name inside the data directory.
const FileName = "approved_extensions.json"

type grantRecord struct {
	QueriesGranted int    `json:"queries_granted"`
	ApprovedAt     string `json:"approved_at"`
	RequestID      string `json:"request_id"`
	Email          string `json:"email"`
}

// Store persists the snapshot as one JSON document, rewritten atomically on each change.
type Store struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// Open prepares a store at path, creating the parent directory.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &extension.StorageError{Path: path, Op: "open", Err: err}
	}
	return &Store{path: path, logger: logger}, nil
}

// Path returns the snapshot file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the snapshot from disk. A missing file is an empty snapshot.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
		return nil, &extension.StorageError{Path: s.path, Op: "read", Err: err}
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, &extension.StorageError{Path: s.path, Op: "parse", Err: err}
	}
	return snap, nil
}

// Get returns the durable grant for sessionID.
func (s *Store) Get(sessionID string) (extension.Grant, bool, error) {
	snap, err := s.Load()
	if err != nil {
		return extension.Grant{}, false, err
	}
	g, ok := snap.Get(sessionID)
	return g, ok, nil
}

// Upsert replaces the entry for g.SessionID, keeping every other key, and returns the
// snapshot as written. The read-modify-write runs under the store lock.
func (s *Store) Upsert(g extension.Grant) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.Load()
	if err != nil {
		return nil, err
	}
	snap.Set(g)
	if err := s.write(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Replace atomically overwrites the whole snapshot.
func (s *Store) Replace(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(snap)
}

// ModTime returns the file modification time, or the zero time when absent.
func (s *Store) ModTime() (time.Time, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, nil
		}
		return time.Time{}, &extension.StorageError{Path: s.path, Op: "stat", Err: err}
	}
	return info.ModTime(), nil
}

func (s *Store) write(snap *Snapshot) error {
	if err := renameio.WriteFile(s.path, Encode(snap), 0o644); err != nil {
		return &extension.StorageError{Path: s.path, Op: "write", Err: err}
	}
	if s.logger != nil {
		s.logger.Debug("snapshot written", "path", s.path, "sessions", snap.Len())
	}
	return nil
}

// Encode renders snap in the on-disk layout.
func Encode(snap *Snapshot) []byte {
	objects := make([]jsonfmt.Object, 0, snap.Len())
	for _, g := range snap.Grants() {
		objects = append(objects, jsonfmt.Object{
			Key: g.SessionID,
			Fields: []jsonfmt.Field{
				{Key: "queries_granted", Value: g.QueriesGranted},
				{Key: "approved_at", Value: timeutil.FormatISO(g.ApprovedAt)},
				{Key: "request_id", Value: g.RequestID},
				{Key: "email", Value: g.Email},
			},
		})
	}
	return jsonfmt.Indented(objects)
}

// Decode parses the on-disk layout, preserving key order.
func Decode(data []byte) (*Snapshot, error) {
	snap := New()
	if len(bytes.TrimSpace(data)) == 0 {
		return snap, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("snapshot must be a JSON object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		sessionID, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("snapshot key must be a string")
		}
		var rec grantRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("session %s: %w", sessionID, err)
		}
		grant := extension.Grant{
			SessionID:      sessionID,
			QueriesGranted: rec.QueriesGranted,
			RequestID:      rec.RequestID,
			Email:          rec.Email,
		}
		if rec.ApprovedAt != "" {
			approvedAt, err := timeutil.ParseISO(rec.ApprovedAt)
			if err != nil {
				return nil, fmt.Errorf("session %s: %w", sessionID, err)
			}
			grant.ApprovedAt = approvedAt
		}
		snap.Set(grant)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return snap, nil
}
