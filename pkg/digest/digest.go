// Package digest defines the hash-algorithm descriptors used to derive and
// verify content-addressed keys, and the mapping from a key to on-disk path
// segments.
//
// A Key is an opencontainers digest ("sha256:<hex>"); equality is byte-wise.
// The Algorithm descriptor adds what the upstream type deliberately leaves
// out: the expected digest length and the prefix split that turns a hex
// digest into `<shard-dir>/<file-name>`.  Every Location declares the
// Algorithm it expects; compositions refuse to mix them.
//
// © 2025 depot authors. MIT License.
package digest

import (
	// Register the hash implementations behind go-digest's algorithm table.
	_ "crypto/sha256"
	_ "crypto/sha512"

	"errors"
	"fmt"
	"io"

	godigest "github.com/opencontainers/go-digest"
)

// Key identifies a payload by its digest.  The string form is
// "<algorithm>:<hex>"; Encoded() yields the bare hex.
type Key = godigest.Digest

// ErrUnknownAlgorithm is returned when a descriptor names a hash this build
// has no implementation for.
var ErrUnknownAlgorithm = errors.New("digest: unknown algorithm")

// Algorithm describes a hash algorithm as persisted in a location's config:
// the canonical name, the digest length in bytes, and the number of leading
// hex characters that form the shard directory.
type Algorithm struct {
	Name   string `yaml:"name"`
	Length int    `yaml:"length"`
	Prefix int    `yaml:"prefix,omitempty"`
}

// defaultPrefix is the shard split used when a descriptor leaves Prefix
// unset: first two hex chars (one byte) as the directory.
const defaultPrefix = 2

// Predefined descriptors for the algorithms shipped with the module.
var (
	SHA256 = Algorithm{Name: "sha256", Length: 32}
	SHA512 = Algorithm{Name: "sha512", Length: 64}
)

// Validate checks that the descriptor names an available hash and that the
// declared length matches what the implementation produces.
func (a Algorithm) Validate() error {
	impl := godigest.Algorithm(a.Name)
	if !impl.Available() {
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, a.Name)
	}
	if got := impl.Size(); got != a.Length {
		return fmt.Errorf("digest: %s produces %d-byte digests, descriptor says %d", a.Name, got, a.Length)
	}
	if a.Prefix < 0 || a.Prefix >= a.HexLength() {
		return fmt.Errorf("digest: prefix %d out of range for %s", a.Prefix, a.Name)
	}
	return nil
}

func (a Algorithm) impl() godigest.Algorithm { return godigest.Algorithm(a.Name) }

// HexLength returns the length of the hex-encoded digest.
func (a Algorithm) HexLength() int { return a.Length * 2 }

func (a Algorithm) prefixLen() int {
	if a.Prefix == 0 {
		return defaultPrefix
	}
	return a.Prefix
}

// Equal reports whether two descriptors denote the same algorithm and path
// split.  Used by combinators to enforce algorithm agreement.
func (a Algorithm) Equal(b Algorithm) bool {
	return a.Name == b.Name && a.Length == b.Length && a.prefixLen() == b.prefixLen()
}

// FromBytes hashes b in one shot.
func (a Algorithm) FromBytes(b []byte) Key {
	return a.impl().FromBytes(b)
}

// ParseHex converts a bare hex digest into a Key, validating length and
// character set.
func (a Algorithm) ParseHex(hex string) (Key, error) {
	if len(hex) != a.HexLength() {
		return "", fmt.Errorf("digest: %s key must be %d hex chars, got %d", a.Name, a.HexLength(), len(hex))
	}
	k := godigest.NewDigestFromEncoded(a.impl(), hex)
	if err := k.Validate(); err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return k, nil
}

// Split partitions a key's hex encoding into the shard directory and the
// file name inside it.
func (a Algorithm) Split(k Key) (dir, file string) {
	hex := k.Encoded()
	p := a.prefixLen()
	if len(hex) <= p {
		return hex, ""
	}
	return hex[:p], hex[p:]
}

// Join is the inverse of Split, used when enumerating a location's tree.
func (a Algorithm) Join(dir, file string) (Key, error) {
	return a.ParseHex(dir + file)
}

/* -------------------------------------------------------------------------
   Streaming digester
   ------------------------------------------------------------------------- */

// Digester computes a key incrementally while counting the bytes that
// passed through.  It implements io.Writer, so it composes with
// io.TeeReader and io.MultiWriter.
type Digester struct {
	dg godigest.Digester
	n  int64
}

// Digester returns a fresh streaming digester for the algorithm.  Callers
// must Validate() the descriptor first; an unavailable algorithm panics
// inside go-digest.
func (a Algorithm) Digester() *Digester {
	return &Digester{dg: a.impl().Digester()}
}

func (d *Digester) Write(p []byte) (int, error) {
	n, err := d.dg.Hash().Write(p)
	d.n += int64(n)
	return n, err
}

// Key finalizes the digest.  The digester stays usable as a writer, but the
// returned key only covers bytes written so far.
func (d *Digester) Key() Key { return d.dg.Digest() }

// Bytes returns how many payload bytes were hashed.
func (d *Digester) Bytes() int64 { return d.n }

var _ io.Writer = (*Digester)(nil)
