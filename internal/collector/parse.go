package collector

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/Guliveer/racknerd-exporter/internal/models"
)

// sizePattern matches the leading "<number> <unit>" of a panel size string.
// Anything after the match is ignored.
var sizePattern = regexp.MustCompile(`(?i)^([\d.]+)\s*(KB|MB|GB|TB)?`)

var sizeMultipliers = map[string]float64{
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// SizeToBytes converts a panel size such as "20.31 GB" to bytes using binary
// multiples. A missing unit means GB. Empty, "null" and unparsable input
// give 0.
func SizeToBytes(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "null") {
		return 0
	}

	m := sizePattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}

	unit := strings.ToUpper(m[2])
	if unit == "" {
		unit = "GB"
	}
	return value * sizeMultipliers[unit]
}

// ParsePercent parses a plain decimal percentage. ok is false for anything
// else, including empty input and NaN or Inf.
func ParsePercent(text string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ParseState maps the stats "state" field. Only the integer 1 is online.
func ParseState(text string) models.PowerState {
	if n, err := strconv.Atoi(strings.TrimSpace(text)); err == nil && n == 1 {
		return models.StateOnline
	}
	return models.StateOffline
}
