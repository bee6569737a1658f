package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// maxKeyLen keeps keys for long symbol lists bounded.
const maxKeyLen = 160

// Key joins prefix and parts with ':'. Keys longer than maxKeyLen keep the
// prefix and replace the rest by its SHA-1, so they stay unique.
func Key(prefix string, parts ...interface{}) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, p := range parts {
		b.WriteByte(':')
		fmt.Fprint(&b, p)
	}
	key := b.String()
	if len(key) <= maxKeyLen {
		return key
	}
	sum := sha1.Sum([]byte(key[len(prefix):]))
	return prefix + ":h:" + hex.EncodeToString(sum[:])
}
