package simstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

// Store persists simulated account state so restarts keep open positions and realized PnL.
type Store struct {
	path string
}

// NewStore creates a state store in dir. The file name is derived from scope.
func NewStore(dir, scope string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("simulate state dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create simulate state dir")
	}

	name := sanitizeScope(scope)
	if name == "" {
		name = "account"
	}

	return &Store{path: filepath.Join(dir, fmt.Sprintf("%s.json", name))}, nil
}

// Path returns the state file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// State represents all persisted simulator data.
type State struct {
	Positions []StoredPosition `json:"positions"`
	Realized  []StoredRealized `json:"realized"`
	NextID    int              `json:"next_id"`
}

// StoredPosition is a serializable snapshot of domain.Position.
type StoredPosition struct {
	ID       string              `json:"id"`
	Symbol   string              `json:"symbol"`
	Side     domain.PositionSide `json:"side"`
	Volume   string              `json:"volume"`
	Profit   string              `json:"profit"`
	OpenedAt time.Time           `json:"opened_at"`
}

// StoredRealized is a realized PnL booking.
type StoredRealized struct {
	At     time.Time `json:"at"`
	Amount string    `json:"amount"`
}

// Load reads simulator state from disk. A missing file yields nil state.
func (s *Store) Load() (*State, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "read simulate state")
	}

	if len(payload) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, errors.Wrap(err, "decode simulate state")
	}

	return &state, nil
}

// Save writes simulator state to disk atomically via temp file.
func (s *Store) Save(state State) error {
	if s == nil || s.path == "" {
		return nil
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode simulate state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write simulate state temp file")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist simulate state")
	}

	return nil
}

// NewStoredPosition converts domain.Position into its stored representation.
func NewStoredPosition(pos domain.Position) StoredPosition {
	return StoredPosition{
		ID:       string(pos.ID),
		Symbol:   pos.Symbol,
		Side:     pos.Side,
		Volume:   pos.Volume.String(),
		Profit:   pos.Profit.String(),
		OpenedAt: pos.OpenedAt,
	}
}

// ToPosition reconstructs domain.Position from stored data.
func (sp StoredPosition) ToPosition() (domain.Position, error) {
	volume, err := decimal.NewFromString(sp.Volume)
	if err != nil {
		return domain.Position{}, errors.Wrap(err, "decode position volume")
	}

	profit := decimal.Zero
	if sp.Profit != "" {
		profit, err = decimal.NewFromString(sp.Profit)
		if err != nil {
			return domain.Position{}, errors.Wrap(err, "decode position profit")
		}
	}

	return domain.Position{
		ID:       domain.PositionID(sp.ID),
		Symbol:   sp.Symbol,
		Side:     sp.Side,
		Volume:   volume,
		Profit:   profit,
		OpenedAt: sp.OpenedAt,
	}, nil
}

// ToAmount decodes the realized amount.
func (sr StoredRealized) ToAmount() (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(sr.Amount)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "decode realized pnl")
	}
	return amount, nil
}

func sanitizeScope(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}

	var b strings.Builder

	prevUnderscore := false

	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)

			prevUnderscore = false

			continue
		}

		if !prevUnderscore {
			b.WriteByte('_')

			prevUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}
