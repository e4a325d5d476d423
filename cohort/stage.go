package cohort

import (
	"strconv"
	"strings"
)

// ParseStage coerces a raw stage value to an integer: a plain integer is taken
// as is, otherwise a leading digit is used ("3b" -> 3). Anything else is
// unresolved.
func ParseStage(raw string) (int, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	if s[0] >= '0' && s[0] <= '9' {
		return int(s[0] - '0'), true
	}
	return 0, false
}
