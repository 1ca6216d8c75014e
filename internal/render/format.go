package render

import (
	"fmt"
	"math"
	"net/url"
)

var byteUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatBytes renders a size with 1024-based units.
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	i := 0
	v := float64(n)
	for v >= 1024 && i < len(byteUnits)-1 {
		v /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d B", n)
	}
	if v < 10 {
		return fmt.Sprintf("%.1f %s", v, byteUnits[i])
	}
	return fmt.Sprintf("%.0f %s", v, byteUnits[i])
}

// FormatDuration renders a millisecond duration.
func FormatDuration(ms float64) string {
	switch {
	case ms < 0 || math.IsNaN(ms):
		return "-"
	case ms < 1:
		return "<1ms"
	case ms < 1000:
		return fmt.Sprintf("%dms", int64(math.Round(ms)))
	}
	seconds := ms / 1000
	if seconds < 60 {
		return fmt.Sprintf("%.1fs", seconds)
	}
	minutes := int64(seconds / 60)
	rest := int64(math.Round(math.Mod(seconds, 60)))
	return fmt.Sprintf("%dm %ds", minutes, rest)
}

// FormatURL returns the path and query of an absolute URL. Anything else
// is returned unchanged.
func FormatURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	out := u.EscapedPath()
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	if out == "" {
		return "/"
	}
	return out
}

// Hostname returns the host of an absolute URL, or raw when it has none.
func Hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return u.Hostname()
}

// StatusCategory returns "2xx" style classes, or "error" for status 0.
func StatusCategory(status int) string {
	if status <= 0 {
		return "error"
	}
	return fmt.Sprintf("%dxx", status/100)
}
