package warehouse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// IsNull reports whether v is a SQL NULL or an empty string.
func IsNull(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []byte:
		return len(strings.TrimSpace(string(t))) == 0
	case *time.Time:
		return t == nil
	}
	return false
}

// AsTime interprets v as a timestamp.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	case int64:
		return time.Unix(t, 0).UTC(), true
	case int:
		return time.Unix(int64(t), 0).UTC(), true
	case float64:
		sec, frac := math.Modf(t)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	return time.Time{}, false
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 10 || s[4] != '-' {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// AsFloat interprets v as a number.
func AsFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(t)), 64)
		return f, err == nil
	}
	return 0, false
}

// AsBool interprets v as a boolean flag.
func AsBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case int64:
		return t != 0, true
	case int:
		return t != 0, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	case []byte:
		b, err := strconv.ParseBool(strings.TrimSpace(string(t)))
		return b, err == nil
	}
	return false, false
}

// Canonical renders v so that equal values from different drivers compare equal.
func Canonical(v any) string {
	switch t := v.(type) {
	case nil:
		return "\x00"
	case string:
		if ts, ok := parseTime(t); ok {
			return ts.UTC().Format(time.RFC3339Nano)
		}
		return t
	case []byte:
		return Canonical(string(t))
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return "\x00"
		}
		return t.UTC().Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 64)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// Equal compares two column values by their canonical form.
func Equal(a, b any) bool {
	return Canonical(a) == Canonical(b)
}

// KeyOf extracts the key values of r. ok is false when any key field is null.
func KeyOf(r Row, key []string) (values []any, id string, ok bool) {
	values = make([]any, len(key))
	parts := make([]string, len(key))
	for i, col := range key {
		v, present := r[col]
		if !present || IsNull(v) {
			return nil, "", false
		}
		values[i] = v
		parts[i] = NormalizeKey(v)
	}
	return values, strings.Join(parts, "\x1f"), true
}

// NormalizeKey renders a key value for in-memory lookups.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	}
	return strings.TrimSpace(Canonical(v))
}

// DisplayKey renders a composite key id for reports.
func DisplayKey(id string) string {
	return strings.ReplaceAll(id, "\x1f", "|")
}

// Fingerprint returns the row count and an order-independent checksum of table.
func Fingerprint(ctx context.Context, s Store, table TableRef) (int64, string, error) {
	var hashes []string
	err := s.Scan(ctx, table, func(r Row) error {
		hashes = append(hashes, RowHash(r))
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	sort.Strings(hashes)

	h := sha256.New()
	for _, rh := range hashes {
		h.Write([]byte(rh))
	}
	return int64(len(hashes)), hex.EncodeToString(h.Sum(nil)), nil
}

// RowHash hashes the canonical form of every column of r.
func RowHash(r Row) string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	h := sha256.New()
	for _, c := range cols {
		h.Write([]byte(strings.ToLower(c)))
		h.Write([]byte{0x1e})
		h.Write([]byte(Canonical(r[c])))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}
