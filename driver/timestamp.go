package driver

import (
	"fmt"
	"time"
)

const timestampLayout = "2006-01-02 15:04:05.999999"

var timestampLayouts = []string{ // nolint:gochecknoglobals
	timestampLayout,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
}

// FormatTimestamp renders t in UTC with microsecond precision, a form every
// supported datastore accepts for its timestamp column.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Timestamp scans applied_at regardless of how the driver returns it.
type Timestamp struct {
	time.Time
}

func (ts *Timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		ts.Time = time.Time{}
	case time.Time:
		ts.Time = v.UTC()
	case int64:
		ts.Time = time.Unix(v, 0).UTC()
	case []byte:
		return ts.parse(string(v))
	case string:
		return ts.parse(v)
	default:
		return fmt.Errorf("cannot scan %T into a timestamp", src)
	}
	return nil
}

func (ts *Timestamp) parse(value string) error {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			ts.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp \"%s\"", value)
}
