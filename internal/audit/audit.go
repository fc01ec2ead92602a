// Package audit keeps an append-only JSONL record of operator actions:
// task cancellations, scheduler pause and resume, config edits and rejected
// gateway credentials.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/apiforge/internal/shared"
)

// FileName is the audit log written under <home>/logs.
const FileName = "audit.jsonl"

// Outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeDenied   = "denied"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Target    string `json:"target,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	deniedCount atomic.Int64
)

// Init opens the audit log. Later calls are no-ops until Close.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DeniedCount returns the number of denied requests since startup.
func DeniedCount() int64 {
	return deniedCount.Load()
}

// Record appends one entry. It is safe to call before Init; the entry is
// then only counted.
func Record(action, actor, target, outcome, detail string) {
	if outcome == OutcomeDenied {
		deniedCount.Add(1)
	}
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Actor:     actor,
		Target:    target,
		Outcome:   outcome,
		Detail:    detail,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
