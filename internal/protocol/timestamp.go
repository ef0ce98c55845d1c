package protocol

import (
	"fmt"
	"strings"
	"time"
)

// wireTimeLayout is ISO-8601 without a zone suffix, microsecond precision.
const wireTimeLayout = "2006-01-02T15:04:05.999999"

// Timestamp wraps time.Time with the envelope's ISO-8601 wire encoding.
type Timestamp struct {
	time.Time
}

// MarshalJSON encodes the timestamp as a quoted ISO-8601 string. The
// wall clock is rendered in UTC, matching how the zoneless wire layout
// is parsed, so the instant survives a round trip on any host zone.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(wireTimeLayout) + `"`), nil
}

// UnmarshalJSON accepts the wire layout as well as RFC 3339 with or
// without fractional seconds.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	for _, layout := range []string{wireTimeLayout, "2006-01-02T15:04:05", time.RFC3339Nano, time.RFC3339} {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

// Equal reports whether two timestamps name the same instant.
func (t Timestamp) Equal(other Timestamp) bool {
	return t.Time.Equal(other.Time)
}
