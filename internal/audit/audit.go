// Package audit is the append-only sink for security-relevant events:
// authentication failures, purges, worker panics, internal errors.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the audit log file created inside the data directory.
const FileName = "audit.jsonl"

// Entry is one audit record, one JSON object per line.
type Entry struct {
	Ts        time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Principal string    `json:"principal,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Sink writes entries to a size-rotated JSONL file. Safe for concurrent use.
type Sink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
	enc *json.Encoder
}

// Open creates a sink at path. Rotation keeps a handful of 50 MB files;
// audit logs are never truncated in place.
func Open(path string) *Sink {
	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		Compress:   true,
	}
	return &Sink{out: out, enc: json.NewEncoder(out)}
}

// Append writes one entry. A zero Ts is stamped with the current time.
// Append never fails the caller's operation; write errors are returned for
// logging only.
func (s *Sink) Append(e Entry) error {
	if e.Ts.IsZero() {
		e.Ts = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(&e)
}

// Event is the convenience form used by the scheduler's audit hook.
func (s *Sink) Event(kind, detail string) {
	_ = s.Append(Entry{Kind: kind, Detail: detail})
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}
