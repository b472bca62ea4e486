package agent

import "strings"

// ExclusionPolicy decides which network responses may not be stored: any
// request URL containing one of the markers (third-party script hosts) is
// served but never cached.
type ExclusionPolicy struct {
	markers []string
}

// NewExclusionPolicy drops blank markers.
func NewExclusionPolicy(markers ...string) ExclusionPolicy {
	out := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return ExclusionPolicy{markers: out}
}

// Excludes reports whether rawURL contains any marker.
func (p ExclusionPolicy) Excludes(rawURL string) bool {
	for _, m := range p.markers {
		if strings.Contains(rawURL, m) {
			return true
		}
	}
	return false
}

func (p ExclusionPolicy) Markers() []string {
	return append([]string(nil), p.markers...)
}
