// Package types provides value normalization shared by filters, cursors and
// shape checkers.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Decimal is an exact numeric value.
// Uses decimal.Decimal to avoid floating-point errors.
type Decimal = decimal.Decimal

// MustDecimal creates a Decimal from a string, panics on error.
// Use only for constants.
func MustDecimal(s string) Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// NormalizeNumber converts a numeric input into int64 when it is integral and
// fits, and into Decimal otherwise. json.Number and numeric strings are
// accepted; float values are kept as float64.
func NormalizeNumber(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint:
		return normalizeUint(uint64(n)), nil
	case uint64:
		return normalizeUint(n), nil
	case float32:
		return float64(n), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("number %v is not finite", n)
		}
		return n, nil
	case decimal.Decimal:
		return n, nil
	case json.Number:
		return parseNumber(string(n))
	case string:
		return parseNumber(n)
	}
	return nil, fmt.Errorf("expected a number, got %T", v)
}

func normalizeUint(n uint64) any {
	if n > math.MaxInt64 {
		return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0)
	}
	return int64(n)
}

func parseNumber(s string) (any, error) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	return d, nil
}

// Date layouts accepted by ParseTime, most precise first.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime accepts a time.Time or a string in RFC3339 or YYYY-MM-DD form.
func ParseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid date %q", t)
	}
	return time.Time{}, fmt.Errorf("expected a date, got %T", v)
}
