package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PositionID identifies an open position on the account.
type PositionID string

// PositionSide represents the direction of a position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Position is an open position as reported by the gateway.
type Position struct {
	ID       PositionID      `json:"id"`
	Symbol   string          `json:"symbol"`
	Side     PositionSide    `json:"side"`
	Volume   decimal.Decimal `json:"volume"`
	Profit   decimal.Decimal `json:"profit"`
	OpenedAt time.Time       `json:"opened_at,omitempty"`
}

// PositionSet is the set of position ids observed on a single tick.
type PositionSet map[PositionID]struct{}

// NewPositionSet builds a set from gateway positions.
func NewPositionSet(positions []Position) PositionSet {
	set := make(PositionSet, len(positions))
	for _, p := range positions {
		set[p.ID] = struct{}{}
	}
	return set
}

// Contains reports whether id is in the set.
func (s PositionSet) Contains(id PositionID) bool {
	_, ok := s[id]
	return ok
}

// Unseen returns positions from current that are absent from the set, in input order.
// A position that opens and closes between two polls is never seen.
func (s PositionSet) Unseen(current []Position) []Position {
	var fresh []Position
	for _, p := range current {
		if !s.Contains(p.ID) {
			fresh = append(fresh, p)
		}
	}
	return fresh
}

// IDs returns the sorted ids of the set.
func (s PositionSet) IDs() []PositionID {
	ids := make([]PositionID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PositionIDs extracts ids from positions preserving order.
func PositionIDs(positions []Position) []PositionID {
	ids := make([]PositionID, 0, len(positions))
	for _, p := range positions {
		ids = append(ids, p.ID)
	}
	return ids
}
