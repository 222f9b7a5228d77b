package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint returns a stable hash of the behavior-affecting fields of a
// server config. Two configs with equal fingerprints produce interchangeable
// downstream sessions, so the fingerprint is the pooling key. Name, Enabled
// and Description do not affect the spawned session and are excluded.
func (s *ServerConfig) Fingerprint() string {
	var b strings.Builder

	b.WriteString(string(s.Transport))
	b.WriteByte(0)
	b.WriteString(s.Command)
	b.WriteByte(0)
	for _, arg := range s.Args {
		b.WriteString(arg)
		b.WriteByte(0)
	}
	b.WriteByte(0)
	writeSortedMap(&b, s.Env)
	b.WriteString(s.URL)
	b.WriteByte(0)
	writeSortedMap(&b, s.Headers)
	b.WriteString(s.BearerToken)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeSortedMap(b *strings.Builder, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s=%s", k, m[k])
		b.WriteByte(0)
	}
	b.WriteByte(0)
}
