package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Limit is either Unlimited or Bounded(n). The zero value is Unlimited.
type Limit struct {
	bounded bool
	n       int
}

func Unlimited() Limit { return Limit{} }

// Bounded returns a finite limit. Negative values clamp to zero.
func Bounded(n int) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{bounded: true, n: n}
}

// CapFromNullable converts a stored cap. NULL and non-positive values mean no cap.
func CapFromNullable(v *int) Limit {
	if v == nil {
		return Unlimited()
	}
	if *v <= 0 {
		return Unlimited()
	}
	return Bounded(*v)
}

// AllowanceFromNullable converts a stored free allowance. NULL means unlimited,
// zero is a real allowance of zero.
func AllowanceFromNullable(v *int) Limit {
	if v == nil {
		return Unlimited()
	}
	return Bounded(*v)
}

func (l Limit) IsUnlimited() bool { return !l.bounded }

// Max reports the bound and whether one exists.
func (l Limit) Max() (int, bool) {
	if !l.bounded {
		return 0, false
	}
	return l.n, true
}

// Allows reports whether used+delta stays within the limit.
func (l Limit) Allows(used, delta int) bool {
	if !l.bounded {
		return true
	}
	return used+delta <= l.n
}

// Remaining returns the headroom left. ok is false for unlimited.
func (l Limit) Remaining(used int) (int, bool) {
	if !l.bounded {
		return 0, false
	}
	rem := l.n - used
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// Nullable is the storage form: nil for unlimited.
func (l Limit) Nullable() *int {
	if !l.bounded {
		return nil
	}
	n := l.n
	return &n
}

func (l Limit) String() string {
	if !l.bounded {
		return "unlimited"
	}
	return strconv.Itoa(l.n)
}

func (l Limit) MarshalJSON() ([]byte, error) {
	if !l.bounded {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(l.n)), nil
}

func (l *Limit) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*l = Unlimited()
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("limit must be null or an integer: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("limit must not be negative: %d", n)
	}
	*l = Bounded(n)
	return nil
}
