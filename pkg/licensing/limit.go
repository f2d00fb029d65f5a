package licensing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Limit is a quantitative plan limit: either unlimited or a concrete cap.
// The zero value is Unlimited. JSON null encodes unlimited.
type Limit struct {
	limited bool
	n       int64
}

// Unlimited returns a limit with no cap.
func Unlimited() Limit {
	return Limit{}
}

// Limited returns a limit capped at n. Negative values are clamped to 0.
func Limited(n int64) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{limited: true, n: n}
}

// IsUnlimited reports whether the limit has no cap.
func (l Limit) IsUnlimited() bool {
	return !l.limited
}

// Value returns the cap and true, or 0 and false when unlimited.
func (l Limit) Value() (int64, bool) {
	return l.n, l.limited
}

// Allows reports whether one more unit can be added given current usage.
func (l Limit) Allows(used int64) bool {
	if !l.limited {
		return true
	}
	return used < l.n
}

func (l Limit) String() string {
	if !l.limited {
		return "unlimited"
	}
	return strconv.FormatInt(l.n, 10)
}

// MarshalJSON encodes unlimited as null and limited values as numbers.
func (l Limit) MarshalJSON() ([]byte, error) {
	if !l.limited {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(l.n, 10)), nil
}

// UnmarshalJSON accepts null (unlimited) or a non-negative integer.
func (l *Limit) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = Unlimited()
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode limit: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("decode limit: negative value %d", n)
	}
	*l = Limited(n)
	return nil
}
