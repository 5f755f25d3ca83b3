// Package fingerprint derives cache keys and on-disk file names from a
// logical request (data date + source identifier).
package fingerprint

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/firewatch-np/fire-feed-service/internal/validation"
)

const keyPrefix = "firms"

// Key identifies one cached record set. The zero value is not a valid key; use New.
type Key struct {
	Date   string
	Source string
}

// New validates date and source and returns the key. Pure: no I/O.
func New(date, source string) (Key, error) {
	d, _, err := validation.ValidateDate(date)
	if err != nil {
		return Key{}, err
	}
	s := strings.TrimSpace(source)
	if s == "" {
		return Key{}, validation.ErrSourceEmpty
	}
	return Key{Date: d, Source: s}, nil
}

// String returns the cache key, "firms-<date>-<source>". The date has a fixed
// width so distinct (date, source) pairs never produce the same string.
func (k Key) String() string {
	return keyPrefix + "-" + k.Date + "-" + k.Source
}

// Digest is the 64-bit xxhash of String.
func (k Key) Digest() uint64 {
	return xxhash.Sum64String(k.String())
}

// FileName is the deterministic file name for the disk tier. The readable part is
// sanitized; the digest suffix keeps keys that sanitize alike apart.
func (k Key) FileName() string {
	return fmt.Sprintf("%s-%016x.json", sanitize(k.String()), k.Digest())
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
