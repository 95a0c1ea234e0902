package format

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Age renders how long ago t was, or "-" for the zero time.
func Age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// AgePtr is Age for optional timestamps.
func AgePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return Age(*t)
}

// Count formats n with thousands separators.
func Count(n int) string {
	return humanize.Comma(int64(n))
}

// Seconds formats a run duration given in seconds as "Xm Ys" or "Ys".
func Seconds(secs float64) string {
	d := time.Duration(secs * float64(time.Second))
	s := int(d.Seconds())
	if s >= 60 {
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// Truncate shortens s to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// BoolMark returns a check mark for true and a dash for false.
func BoolMark(b bool) string {
	if b {
		return "✓"
	}
	return "-"
}
