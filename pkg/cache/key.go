package cache

import "strings"

// DefaultNamespace is used when a caller passes no namespace.
const DefaultNamespace = "default"

const (
	entryPrefix = "cache"
	tagPrefix   = "tags"
)

// fullKey builds the storage key for a caller key within a namespace.
// Format: cache:<namespace>:<key>
func fullKey(key string, namespace []string) string {
	return entryPrefix + ":" + nsOf(namespace) + ":" + key
}

// tagKey builds the key of the Redis set holding all entry keys tagged
// with tag. Format: tags:<tag>
func tagKey(tag string) string {
	return tagPrefix + ":" + tag
}

// nsPattern builds the SCAN match pattern covering one namespace.
func nsPattern(namespace []string) string {
	return entryPrefix + ":" + nsOf(namespace) + ":*"
}

// nsLocalPrefix is the local-tier key prefix for one namespace.
func nsLocalPrefix(namespace []string) string {
	return entryPrefix + ":" + nsOf(namespace) + ":"
}

func nsOf(namespace []string) string {
	if len(namespace) > 0 && strings.TrimSpace(namespace[0]) != "" {
		return namespace[0]
	}
	return DefaultNamespace
}
