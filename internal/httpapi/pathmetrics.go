package httpapi

import (
	"regexp"
	"strings"
)

var (
	uuidSegment = regexp.MustCompile(`^[0-9a-fA-F]{8}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{12}$`)
	numericID   = regexp.MustCompile(`^[0-9]+$`)
	alphanumID  = regexp.MustCompile(`^[0-9a-zA-Z]{12,}$`)
)

// normalizePath collapses path segments that look like request-scoped
// identifiers (UUIDs, numeric ids, long alphanumeric ids) down to a fixed
// ":id" placeholder, so per-route Prometheus metrics don't grow an
// unbounded cardinality of label values as distinct requests flow through
// /pipeline/resume and the cache API.
func normalizePath(path string) string {
	trailingSlash := len(path) > 1 && strings.HasSuffix(path, "/")

	segments := splitPath(path)
	for i, seg := range segments {
		if isIDSegment(seg) {
			segments[i] = ":id"
		}
	}

	normalized := "/" + strings.Join(segments, "/")
	if trailingSlash {
		normalized += "/"
	}
	return normalized
}

// splitPath breaks path into its non-empty segments.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

func isIDSegment(seg string) bool {
	if uuidSegment.MatchString(seg) {
		return true
	}
	if numericID.MatchString(seg) {
		return true
	}
	if alphanumID.MatchString(seg) && hasDigit(seg) {
		return true
	}
	return false
}

func hasDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
