package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuditAction names what the guardian did.
type AuditAction string

const (
	AuditActionStart             AuditAction = "START"
	AuditActionThresholdExceeded AuditAction = "THRESHOLD_EXCEEDED"
	AuditActionActiveBlock       AuditAction = "ACTIVE_BLOCK"
	AuditActionBlocked           AuditAction = "BLOCKED"
	AuditActionRetryClose        AuditAction = "RETRY_CLOSE"
	AuditActionDailyReset        AuditAction = "DAILY_RESET"
	AuditActionSafeMode          AuditAction = "SAFE_MODE"
	AuditActionStop              AuditAction = "STOP"
)

// audit results as written to the journal
const (
	AuditResultOK      = "OK"
	AuditResultPartial = "PARTIAL"
	AuditResultFailed  = "FAILED"
)

// CloseOutcome is the result of a single close attempt.
type CloseOutcome struct {
	PositionID PositionID `json:"position_id"`
	Attempt    int        `json:"attempt"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
	At         time.Time  `json:"at"`
}

// AuditEntry is an immutable record of a guardian decision.
type AuditEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Action    AuditAction     `json:"action"`
	From      Mode            `json:"from"`
	To        Mode            `json:"to"`
	Reason    string          `json:"reason"`
	PnL       decimal.Decimal `json:"pnl"`
	Positions []PositionID    `json:"positions,omitempty"`
	Outcomes  []CloseOutcome  `json:"outcomes,omitempty"`
}

// NewAuditEntry creates an entry with a fresh id.
func NewAuditEntry(ts time.Time, action AuditAction, from, to Mode, reason string) AuditEntry {
	return AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Action:    action,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// Closed returns ids whose last attempt succeeded.
func (e AuditEntry) Closed() []PositionID {
	last := make(map[PositionID]bool, len(e.Outcomes))
	for _, o := range e.Outcomes {
		last[o.PositionID] = o.Success
	}
	var ids []PositionID
	for _, id := range e.Positions {
		if last[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// Result summarises the outcomes. Entries without close attempts are OK.
func (e AuditEntry) Result() string {
	if len(e.Positions) == 0 || len(e.Outcomes) == 0 {
		return AuditResultOK
	}
	closed := len(e.Closed())
	switch {
	case closed == len(e.Positions):
		return AuditResultOK
	case closed == 0:
		return AuditResultFailed
	default:
		return AuditResultPartial
	}
}

// AuditRecord bundles an entry with its storage index.
type AuditRecord struct {
	Index uint64     `json:"index"`
	Entry AuditEntry `json:"entry"`
}
