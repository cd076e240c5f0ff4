// Package notify delivers guardian alerts to chat channels.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

// Level is the alert severity.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelCritical
)

// Message is a channel-independent alert.
type Message struct {
	Title string
	Text  string
	Level Level
}

// Notifier sends a message to one channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// FromEntry renders an audit entry as an alert.
func FromEntry(e domain.AuditEntry) Message {
	msg := Message{Level: LevelInfo}
	switch e.Action {
	case domain.AuditActionThresholdExceeded:
		msg.Title = "Daily loss limit breached"
		msg.Level = LevelCritical
	case domain.AuditActionActiveBlock:
		msg.Title = "Active block engaged"
		msg.Level = LevelCritical
	case domain.AuditActionBlocked:
		msg.Title = "New position closed"
		msg.Level = LevelWarning
	case domain.AuditActionRetryClose:
		msg.Title = "Retried pending close"
		msg.Level = LevelWarning
	case domain.AuditActionDailyReset:
		msg.Title = "Daily reset, trading allowed"
	case domain.AuditActionSafeMode:
		msg.Title = "Guardian in safe mode"
		msg.Level = LevelCritical
	case domain.AuditActionStart:
		msg.Title = "Guardian started"
	case domain.AuditActionStop:
		msg.Title = "Guardian stopped"
	default:
		msg.Title = string(e.Action)
	}

	var b strings.Builder
	b.WriteString(e.Reason)
	fmt.Fprintf(&b, "\nmode: %s", e.To)
	if !e.PnL.IsZero() {
		fmt.Fprintf(&b, "\npnl: %s", e.PnL.StringFixed(2))
	}
	if len(e.Positions) > 0 {
		fmt.Fprintf(&b, "\npositions: %d, result: %s", len(e.Positions), e.Result())
	}
	msg.Text = b.String()
	return msg
}

func (m Message) String() string {
	prefix := ""
	switch m.Level {
	case LevelWarning:
		prefix = "⚠️ "
	case LevelCritical:
		prefix = "🚨 "
	}
	return prefix + m.Title + "\n" + m.Text
}
