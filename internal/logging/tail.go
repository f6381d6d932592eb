package logging

import (
	"bytes"
	"os"
	"sync"
)

// LogTail keeps roughly the last limit bytes of log output in memory for
// crash dumps. Trimming happens on record boundaries so a dump never starts
// mid-line.
type LogTail struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

// NewLogTail returns a tail holding up to limit bytes (default 10MB).
func NewLogTail(limit int) *LogTail {
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}
	return &LogTail{limit: limit}
}

// Write implements io.Writer. It never fails.
func (t *LogTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data = append(t.data, p...)
	// Compact only once the slack reaches limit so appends stay amortized.
	if len(t.data) >= 2*t.limit {
		t.data = append(t.data[:0:0], t.tail()...)
	}
	return len(p), nil
}

// tail returns the newest complete lines within limit. A single line longer
// than limit is cut to its last limit bytes.
func (t *LogTail) tail() []byte {
	if len(t.data) <= t.limit {
		return t.data
	}
	cut := len(t.data) - t.limit
	if i := bytes.IndexByte(t.data[cut:], '\n'); i >= 0 && cut+i+1 < len(t.data) {
		cut += i + 1
	}
	return t.data[cut:]
}

// Snapshot copies the retained output, oldest first.
func (t *LogTail) Snapshot() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.tail()...)
}

// Dump writes the retained output to path.
func (t *LogTail) Dump(path string) error {
	return os.WriteFile(path, t.Snapshot(), 0o600)
}
