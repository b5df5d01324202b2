package converter

import (
	"fmt"
	"strings"

	"github.com/dalfonso89/exchanger/internal/models"
)

// Side identifies one of the two linked fields
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// Other returns the opposite side
func (s Side) Other() Side {
	if s == Left {
		return Right
	}
	return Left
}

// ParseSide accepts "left" or "right"
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left":
		return Left, nil
	case "right":
		return Right, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

// Origin tags who wrote a field last
type Origin int

const (
	OriginInitial Origin = iota
	OriginUser
	OriginSynced
)

func (o Origin) String() string {
	switch o {
	case OriginUser:
		return "user"
	case OriginSynced:
		return "synced"
	default:
		return "initial"
	}
}

func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Origin) UnmarshalText(text []byte) error {
	switch string(text) {
	case "initial":
		*o = OriginInitial
	case "user":
		*o = OriginUser
	case "synced":
		*o = OriginSynced
	default:
		return fmt.Errorf("unknown origin %q", text)
	}
	return nil
}

// FieldState is the snapshot of one side
type FieldState struct {
	Amount     *float64            `json:"amount"`
	Currency   models.CurrencyCode `json:"currency"`
	Origin     Origin              `json:"origin"`
	Pending    bool                `json:"pending"`
	Generation uint64              `json:"generation"`
	LastError  string              `json:"last_error,omitempty"`
}

// Field returns the plain amount/currency pair
func (f FieldState) Field() models.ConversionField {
	return models.ConversionField{Amount: f.Amount, Currency: f.Currency}
}

// State is a snapshot of both sides; Version grows with every mutation
type State struct {
	Version uint64     `json:"version"`
	Left    FieldState `json:"left"`
	Right   FieldState `json:"right"`
}

// Side returns the snapshot of s
func (st State) Side(s Side) FieldState {
	if s == Left {
		return st.Left
	}
	return st.Right
}

// Pending reports whether either side awaits a rate
func (st State) Pending() bool {
	return st.Left.Pending || st.Right.Pending
}
