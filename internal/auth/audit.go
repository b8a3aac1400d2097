package auth

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridscope/scadasim/pkg/model"
)

// AuditSink receives every audit entry for durable storage.
type AuditSink interface {
	RecordAudit(entry model.AuditEntry)
}

const auditRetain = 2000

// Trail records operator actions in memory and forwards them to the
// historian. Every authenticated mutation goes through here, including
// denied ones.
type Trail struct {
	logger *slog.Logger
	sink   AuditSink

	mu      sync.Mutex
	entries []model.AuditEntry

	now func() time.Time
}

// NewTrail wires the audit trail; sink may be nil in tests.
func NewTrail(logger *slog.Logger, sink AuditSink) *Trail {
	return &Trail{
		logger: logger.With("component", "audit"),
		sink:   sink,
		now:    time.Now,
	}
}

// Record appends one entry and returns it with id and timestamp filled.
func (t *Trail) Record(operator, action, resourceType, resourceID string, result model.AuditResult, ip string, metadata map[string]any) model.AuditEntry {
	entry := model.AuditEntry{
		LogID:        uuid.NewString(),
		OperatorID:   operator,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Result:       result,
		IP:           ip,
		Timestamp:    t.now().UTC(),
		Metadata:     metadata,
	}

	t.mu.Lock()
	t.entries = append(t.entries, entry)
	if len(t.entries) > auditRetain {
		t.entries = t.entries[len(t.entries)-auditRetain:]
	}
	t.mu.Unlock()

	t.logger.Info("audit",
		"operator", operator,
		"action", action,
		"resource", resourceType+"/"+resourceID,
		"result", result)

	if t.sink != nil {
		t.sink.RecordAudit(entry)
	}
	return entry
}

// Recent returns up to limit entries, newest first.
func (t *Trail) Recent(limit int) []model.AuditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.AuditEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, t.entries[i])
	}
	return out
}
