package manifest

import (
	"fmt"
	"regexp"
	"strings"
)

// Identifier names one versioned cache store, e.g. "yahtzee-scorekeeper-v1.6".
// Two identifiers are the same store only when the strings are equal.
type Identifier string

var identifierPattern = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*?)-v([0-9][0-9A-Za-z.+-]*)$`)

// 名称首字符必须是字母或数字，和存储层的名称规则一致。
// ParseIdentifier validates the <logical-name>-v<tag> format.
func ParseIdentifier(raw string) (Identifier, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("cache identifier is empty")
	}
	if !identifierPattern.MatchString(raw) {
		return "", fmt.Errorf("cache identifier %q must look like <name>-v<version>", raw)
	}
	return Identifier(raw), nil
}

// Name returns the logical name without the version tag.
func (id Identifier) Name() string {
	m := identifierPattern.FindStringSubmatch(string(id))
	if m == nil {
		return ""
	}
	return m[1]
}

// Version returns the tag after "-v".
func (id Identifier) Version() string {
	m := identifierPattern.FindStringSubmatch(string(id))
	if m == nil {
		return ""
	}
	return m[2]
}

func (id Identifier) String() string {
	return string(id)
}
