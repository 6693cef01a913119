// Package key implements client-side key namespacing and length discipline.
//
// Every key handed to the wire protocol must be printable, free of whitespace
// and control characters, and no longer than 250 bytes. Normalize enforces
// this, prepending a namespace and folding overlong keys down to a digest
// form; Denormalize reverses the namespace prefix for keys coming back off
// the wire (for example during a multi-get drain).
package key

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidKey is returned for empty keys or keys containing bytes outside
// the printable, non-whitespace range the wire protocol requires.
var ErrInvalidKey = errors.New("key: invalid key")

const (
	maxKeyLength    = 250
	digestKeyLength = 212
)

// Digest computes a raw digest of data. The default, MD5, matches the
// ":md5:" marker baked into the overlong-key fallback format; a different
// digest_class configuration setting swaps this in.
type Digest func(data []byte) []byte

// MD5Digest is the default Digest implementation.
func MD5Digest(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:]
}

// NamespaceSource supplies the namespace prefix applied to every key. A fixed
// namespace is just a closure returning a constant string; a dynamic
// namespace (for example, one that varies by tenant) is any other
// zero-argument producer, invoked fresh on every call.
type NamespaceSource func() string

// Fixed returns a NamespaceSource that always yields ns.
func Fixed(ns string) NamespaceSource {
	return func() string { return ns }
}

// Normalizer applies a namespace and length/character discipline to keys
// before they go on the wire.
type Normalizer struct {
	Namespace NamespaceSource
	Digest    Digest
}

// New constructs a Normalizer. A nil namespace behaves as an empty fixed
// namespace; a nil digest defaults to MD5Digest.
func New(namespace NamespaceSource, digest Digest) *Normalizer {
	if namespace == nil {
		namespace = Fixed("")
	}
	if digest == nil {
		digest = MD5Digest
	}
	return &Normalizer{Namespace: namespace, Digest: digest}
}

// Normalize validates raw and returns the wire-ready key: namespaced, and
// folded down to a digest form if the namespaced key would exceed 250 bytes.
func (n *Normalizer) Normalize(raw string) ([]byte, error) {
	if raw == "" {
		return nil, ErrInvalidKey
	}
	if err := checkChars(raw); err != nil {
		return nil, err
	}

	ns := n.Namespace()
	full := raw
	if ns != "" {
		full = ns + ":" + raw
	}
	if len(full) <= maxKeyLength {
		return []byte(full), nil
	}

	prefixBudget := digestKeyLength - len(ns)
	if prefixBudget < 0 {
		prefixBudget = 0
	}
	prefix := full
	if len(prefix) > prefixBudget {
		prefix = prefix[:prefixBudget]
	}
	sum := n.Digest([]byte(full))
	folded := fmt.Sprintf("%s:md5:%s", prefix, hex.EncodeToString(sum))
	if len(folded) > maxKeyLength {
		folded = folded[:maxKeyLength]
	}
	return []byte(folded), nil
}

// Denormalize strips a single leading "namespace:" prefix from key, if
// present. It is used to recover the caller-supplied key from a response
// whose key was echoed by the server (for example GETK in a multi-get drain).
func Denormalize(namespace string, key []byte) []byte {
	if namespace == "" {
		return key
	}
	prefix := namespace + ":"
	if len(key) >= len(prefix) && string(key[:len(prefix)]) == prefix {
		return key[len(prefix):]
	}
	return key
}

func checkChars(s string) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x21 || c == 0x7F {
			return ErrInvalidKey
		}
	}
	return nil
}
