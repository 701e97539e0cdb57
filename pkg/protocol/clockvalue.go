package protocol

import "strconv"

// ParseClock converts a decimal clock-value string to its numeric form.
// Malformed or empty input parses as 0, matching the cursor default.
func ParseClock(s string) int64 {
    if s == "" { return 0 }
    v, err := strconv.ParseInt(s, 10, 64)
    if err != nil || v < 0 { return 0 }
    return v
}

// FormatClock renders a numeric clock as the wire/cursor string form.
func FormatClock(v int64) string { return strconv.FormatInt(v, 10) }

// CompareClocks orders two clock-value strings numerically, returning
// -1, 0 or 1. Strings that do not parse compare as 0.
func CompareClocks(a, b string) int {
    av, bv := ParseClock(a), ParseClock(b)
    switch {
    case av < bv:
        return -1
    case av > bv:
        return 1
    default:
        return 0
    }
}
