package validate

import (
	"regexp"
	"strings"
	"unicode"
)

// IdentRe matches valid identifiers used for plugin ids.
// Must start with alphanumeric, followed by alphanumeric, dots, hyphens, or underscores.
var IdentRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// MaxIdentLen is the maximum length for identifiers.
const MaxIdentLen = 128

// MaxMetricLen is the maximum length for data point metric names.
const MaxMetricLen = 64

// metricRe matches lower-case dotted metric names such as "water.glasses".
var metricRe = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)

// Ident validates a string as a valid plugin identifier.
func Ident(s string) bool {
	return len(s) > 0 && len(s) <= MaxIdentLen && IdentRe.MatchString(s)
}

// Metric validates a data point metric name.
func Metric(s string) bool {
	return len(s) > 0 && len(s) <= MaxMetricLen && metricRe.MatchString(s)
}

// Principal validates the name recorded as the author of a grant
// ("user:alice", "system:auto-official"). It must be non-blank and free of
// control characters.
func Principal(s string) bool {
	if strings.TrimSpace(s) == "" || len(s) > MaxIdentLen {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
