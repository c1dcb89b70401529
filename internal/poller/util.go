package poller

import "strconv"

// parseNumericField parses counters that rippled sends as JSON strings
// (it string-encodes large values); empty string means "absent",
// mirroring the Python poller's `|| 0` defaults.
func parseNumericField(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatUptime(seconds int64) string {
	if seconds < 0 {
		return "0m"
	}
	days := seconds / 86400
	hours := (seconds % 86400) / 3600
	minutes := (seconds % 3600) / 60

	out := ""
	if days > 0 {
		out += strconv.FormatInt(days, 10) + "d:"
	}
	if hours > 0 || days > 0 {
		out += strconv.FormatInt(hours, 10) + "h:"
	}
	out += strconv.FormatInt(minutes, 10) + "m"
	return out
}
