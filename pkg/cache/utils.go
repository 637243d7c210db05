package cache

import (
	"fmt"
	"strings"
)

// Key joins parts with ':' so that Pattern(Key(a)) also covers Key(a, ...).
func Key(parts ...interface{}) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, ":")
}

// Pattern matches key itself and every key nested under it.
func Pattern(key string) string {
	return key + "*"
}
