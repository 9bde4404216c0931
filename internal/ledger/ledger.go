package ledger

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/codex-k8s/quota-mcp-server/internal/extension"
)

// FileName is the default ledger file name inside the data directory.
const FileName = "extension_requests.ndjson"

const maxLineSize = 1 << 20

// FileState identifies the on-disk ledger version for change detection.
type FileState struct {
	Size    int64
	ModTime time.Time
}

// Ledger is the append-only NDJSON log of extension request events.
// Every line carries the complete request as of that event.
type Ledger struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// Open prepares a ledger at path, creating the parent directory.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &extension.StorageError{Path: path, Op: "open", Err: err}
	}
	return &Ledger{path: path, logger: logger}, nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Append durably writes one event. The line is written with a single write call and
// fsynced before returning. A torn tail left by a crash is terminated first so the new
// event always starts on its own line.
func (l *Ledger) Append(req extension.Request) error {
	line := Encode(req)

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return &extension.StorageError{Path: l.path, Op: "append", Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &extension.StorageError{Path: l.path, Op: "append", Err: err}
	}

	buf := make([]byte, 0, len(line)+2)
	if info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil {
			return &extension.StorageError{Path: l.path, Op: "append", Err: err}
		}
		if last[0] != '\n' {
			buf = append(buf, '\n')
		}
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if _, err := f.Write(buf); err != nil {
		return &extension.StorageError{Path: l.path, Op: "append", Err: err}
	}
	if err := f.Sync(); err != nil {
		return &extension.StorageError{Path: l.path, Op: "append", Err: err}
	}
	return nil
}

// ReplayAll returns every decodable event in file order. A missing file is an empty
// ledger. Malformed or torn lines are skipped and logged.
func (l *Ledger) ReplayAll() ([]extension.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &extension.StorageError{Path: l.path, Op: "read", Err: err}
	}
	defer f.Close()

	return l.scan(f)
}

func (l *Ledger) scan(r io.Reader) ([]extension.Request, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var events []extension.Request
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		req, err := Decode(line)
		if err != nil {
			if l.logger != nil {
				l.logger.Warn("skipping ledger line", "path", l.path, "line", lineNo, "error", err)
			}
			continue
		}
		events = append(events, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, &extension.StorageError{Path: l.path, Op: "read", Err: err}
	}
	return events, nil
}

// State reports the current size and modification time. A missing file has a zero state.
func (l *Ledger) State() (FileState, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileState{}, nil
		}
		return FileState{}, &extension.StorageError{Path: l.path, Op: "stat", Err: err}
	}
	return FileState{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Compact atomically replaces the ledger with one line per request, in the given order.
// This is an administrative operation; the runtime never calls it.
func (l *Ledger) Compact(requests []extension.Request) error {
	var buf bytes.Buffer
	for _, req := range requests {
		buf.Write(Encode(req))
		buf.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := renameio.WriteFile(l.path, buf.Bytes(), 0o644); err != nil {
		return &extension.StorageError{Path: l.path, Op: "compact", Err: err}
	}
	return nil
}

// Fold reduces events to the latest state per request id. The result is ordered by the
// position of each request's last event, so approvals appear in the order they happened.
func Fold(events []extension.Request) []extension.Request {
	lastPos := make(map[string]int, len(events))
	for i, ev := range events {
		lastPos[ev.ID] = i
	}
	out := make([]extension.Request, 0, len(lastPos))
	for i, ev := range events {
		if lastPos[ev.ID] == i {
			out = append(out, ev)
		}
	}
	return out
}
