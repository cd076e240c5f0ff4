// Package domain defines core data structures used throughout the guardian.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mode is the guardian state machine mode.
type Mode int

const (
	// ModeNormal trading is allowed, PnL is evaluated every tick.
	ModeNormal Mode = iota
	// ModeTriggered the daily loss limit was breached, positions are being closed.
	// The mode never survives the tick it was entered in.
	ModeTriggered
	// ModeActiveBlock every newly opened position is closed until the daily reset.
	ModeActiveBlock
)

// mode string constants to avoid magic strings
const (
	modeStringNormal      = "normal"
	modeStringTriggered   = "triggered"
	modeStringActiveBlock = "active_block"
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return modeStringNormal
	case ModeTriggered:
		return modeStringTriggered
	case ModeActiveBlock:
		return modeStringActiveBlock
	default:
		return "unknown"
	}
}

// ParseMode converts a string into Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case modeStringNormal:
		return ModeNormal, nil
	case modeStringTriggered:
		return ModeTriggered, nil
	case modeStringActiveBlock:
		return ModeActiveBlock, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// TradingAllowed reports whether the account may hold new positions in this mode.
func (m Mode) TradingAllowed() bool {
	return m == ModeNormal
}

// PollInterval picks the scheduler interval for the mode.
func (m Mode) PollInterval(normal, block time.Duration) time.Duration {
	if m == ModeActiveBlock {
		return block
	}
	return normal
}

// MarshalJSON encodes the mode as its string name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes the mode from its string name.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
