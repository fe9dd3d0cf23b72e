package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// The backend is loose about JSON types: ids and amounts arrive as strings or
// numbers, booleans as true/"true"/1, and missing values as null or "".

var null = []byte("null")

// FlexString accepts a JSON string, number, bool or null
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, null) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	*s = FlexString(b)
	return nil
}

func (s FlexString) String() string {
	return string(s)
}

// Decimal parses the value as money; empty and "null" are zero
func (s FlexString) Decimal() (decimal.Decimal, error) {
	v := strings.TrimSpace(string(s))
	if v == "" || v == "null" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse amount %q: %w", v, err)
	}
	return d, nil
}

// Int parses the value as an integer; empty is zero
func (s FlexString) Int() (int, error) {
	v := strings.TrimSpace(string(s))
	if v == "" || v == "null" {
		return 0, nil
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return int(f), nil
	}
	return 0, fmt.Errorf("failed to parse integer %q", v)
}

// FlexBool accepts true/false, "true"/"false", 1/0 and "1"/"0"
type FlexBool bool

func (f *FlexBool) UnmarshalJSON(b []byte) error {
	var s FlexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(string(s))) {
	case "true", "1", "yes", "ok", "success":
		*f = true
	case "", "false", "0", "no":
		*f = false
	default:
		return fmt.Errorf("failed to parse boolean %q", string(s))
	}
	return nil
}

// FlexTime accepts epoch seconds, epoch milliseconds or a "2006-01-02 15:04:05" string
type FlexTime struct {
	time.Time
}

const (
	backendLayout = "2006-01-02 15:04:05"
	// Epoch values above this are taken as milliseconds
	millisThreshold = 1e11
)

func (t *FlexTime) UnmarshalJSON(b []byte) error {
	var s FlexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	parsed, err := ParseTime(string(s))
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// Ptr returns nil for the zero time
func (t FlexTime) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// ParseTime decodes any of the backend's time representations. Empty, "0" and
// the MySQL zero date decode to the zero time.
func ParseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch v {
	case "", "0", "null", "0000-00-00 00:00:00":
		return time.Time{}, nil
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		if n >= millisThreshold {
			return time.UnixMilli(int64(n)).UTC(), nil
		}
		sec := int64(n)
		nsec := int64((n - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}
	if ts, err := time.ParseInLocation(backendLayout, v, time.UTC); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("failed to parse time %q", v)
}
