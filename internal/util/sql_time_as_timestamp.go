package util

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"time"
)

// TimeAsTimestamp reads and writes a time.Time as an integer UNIX timestamp
// column.
type TimeAsTimestamp time.Time

func (t TimeAsTimestamp) Time() time.Time {
	return time.Time(t)
}

func (t TimeAsTimestamp) Value() (driver.Value, error) {
	return time.Time(t).Unix(), nil
}

// Scan accepts both int64 and []byte: SQLite hands integers back either way
// depending on the query path.
func (t *TimeAsTimestamp) Scan(src interface{}) error {
	switch src := src.(type) {
	case int64:
		*t = TimeAsTimestamp(time.Unix(src, 0))
	case []byte:
		sec, err := strconv.ParseInt(string(src), 10, 64)
		if err != nil {
			return fmt.Errorf("unable to parse timestamp: %w", err)
		}
		*t = TimeAsTimestamp(time.Unix(sec, 0))
	default:
		return fmt.Errorf("cannot scan %T as a timestamp", src)
	}

	return nil
}

// NullTimeAsTimestamp is a TimeAsTimestamp with a NULL state.
type NullTimeAsTimestamp struct {
	Time  TimeAsTimestamp
	Valid bool
}

// NewNullTimeAsTimestamp treats the zero time as NULL.
func NewNullTimeAsTimestamp(t time.Time) NullTimeAsTimestamp {
	return NullTimeAsTimestamp{
		Time:  TimeAsTimestamp(t),
		Valid: !t.IsZero(),
	}
}

func (n NullTimeAsTimestamp) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}

	return n.Time.Value()
}

func (n *NullTimeAsTimestamp) Scan(src interface{}) error {
	if src == nil {
		n.Time, n.Valid = TimeAsTimestamp{}, false
		return nil
	}

	n.Valid = true
	return n.Time.Scan(src)
}
