package gateway

import (
	"time"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/conflict"
)

// AuditEntry records the outcome of one sync call, including rejected fields.
type AuditEntry struct {
	At            time.Time         `json:"at"`
	CharacterID   string            `json:"character_id"`
	SessionID     string            `json:"session_id,omitempty"`
	ClientVersion uint64            `json:"client_version"`
	PrevVersion   uint64            `json:"prev_version"`
	NewVersion    uint64            `json:"new_version"`
	Initialized   bool              `json:"initialized,omitempty"`
	Touched       []string          `json:"touched,omitempty"`
	Conflicts     []conflict.Record `json:"conflicts,omitempty"`
	Attempts      int               `json:"attempts"`
	Error         string            `json:"error,omitempty"`
}

// AuditLogger receives every AuditEntry. Implementations must not block.
type AuditLogger interface {
	RecordSync(e AuditEntry)
}

type multiAudit []AuditLogger

func (m multiAudit) RecordSync(e AuditEntry) {
	for _, l := range m {
		l.RecordSync(e)
	}
}

// MultiAudit fans entries out to every non-nil logger.
func MultiAudit(loggers ...AuditLogger) AuditLogger {
	var out multiAudit
	for _, l := range loggers {
		if l != nil {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
