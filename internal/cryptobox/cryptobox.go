// Package cryptobox implements the payload encryption pipeline for
// password-protected rooms: SHA-256 key derivation, AES-GCM encryption with
// a text envelope format, and memoized content hashing.
//
// The envelope format is `<16 comma-separated decimal IV bytes>$<base64
// ciphertext>`. It is text so it can be layered transparently underneath the
// chunk framing, which only ever carries opaque bytes.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
)

// ivLen is the AES-GCM IV length in bytes. The envelope format carries
// exactly this many decimal byte values before the separator.
const ivLen = 16

var (
	ErrMalformedEnvelope = errors.New("cryptobox: malformed envelope")
	ErrUnknownAlgorithm  = errors.New("cryptobox: unknown hash algorithm")
	ErrZeroKey           = errors.New("cryptobox: key has not been derived")
)

// Key is a derived symmetric room key. The zero value is unusable; obtain a
// Key via DeriveKey. The underlying cipher is never exposed.
type Key struct {
	aead cipher.AEAD
}

// IsZero reports whether the key has not been derived.
func (k Key) IsZero() bool {
	return k.aead == nil
}

// DeriveKey derives an AES-256-GCM key from a shared secret scoped to an
// application namespace and a room.
//
// Derivation is deterministic: the same inputs always yield a key that
// decrypts what it encrypts, and changing any input yields an unrelated key.
func DeriveKey(secret, appID, roomID string) (Key, error) {
	digest := sha256.Sum256([]byte(secret + appID + roomID))
	block, err := aes.NewCipher(digest[:])
	if err != nil {
		return Key{}, fmt.Errorf("derive key: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return Key{}, fmt.Errorf("derive key: %w", err)
	}
	return Key{aead: aead}, nil
}

// Encrypt seals plaintext under key with a fresh random 16-byte IV and
// returns the text envelope. Two calls with identical plaintext never
// produce identical envelopes.
func Encrypt(key Key, plaintext []byte) (string, error) {
	if key.IsZero() {
		return "", ErrZeroKey
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	ciphertext := key.aead.Seal(nil, iv, plaintext, nil)

	var b strings.Builder
	for i, v := range iv {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(v)))
	}
	b.WriteByte('$')
	b.WriteString(base64.StdEncoding.EncodeToString(ciphertext))
	return b.String(), nil
}

// Decrypt parses the envelope and opens the ciphertext.
//
// Structural problems (missing separator, empty halves, malformed IV) return
// an error wrapping ErrMalformedEnvelope. Authentication failures from the
// underlying AEAD propagate as-is; no partial plaintext is ever returned.
func Decrypt(key Key, envelope string) ([]byte, error) {
	if key.IsZero() {
		return nil, ErrZeroKey
	}
	if envelope == "" {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedEnvelope)
	}
	ivPart, ctPart, found := strings.Cut(envelope, "$")
	if !found {
		return nil, fmt.Errorf("%w: missing separator", ErrMalformedEnvelope)
	}
	if ivPart == "" || ctPart == "" {
		return nil, fmt.Errorf("%w: empty iv or ciphertext", ErrMalformedEnvelope)
	}

	fields := strings.Split(ivPart, ",")
	if len(fields) != ivLen {
		return nil, fmt.Errorf("%w: want %d iv bytes, got %d", ErrMalformedEnvelope, ivLen, len(fields))
	}
	iv := make([]byte, ivLen)
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 || n > 255 {
			return nil, fmt.Errorf("%w: invalid iv byte %q", ErrMalformedEnvelope, f)
		}
		iv[i] = byte(n)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 ciphertext", ErrMalformedEnvelope)
	}

	return key.aead.Open(nil, iv, ciphertext, nil)
}

// Algorithm names follow the WebCrypto convention so hashes interoperate
// with browser peers.
type Algorithm string

const (
	SHA1   Algorithm = "SHA-1"
	SHA256 Algorithm = "SHA-256"
	SHA384 Algorithm = "SHA-384"
	SHA512 Algorithm = "SHA-512"
)

// Hasher computes digests and memoizes results by (algorithm, input).
//
// The cache is unbounded for the lifetime of the Hasher. Inputs in practice
// are short identity strings (peer IDs, room IDs) with small cardinality; a
// long-running service hashing unbounded inputs should hold a short-lived
// Hasher instead.
//
// Hasher is not safe for concurrent use.
type Hasher struct {
	cache    map[hashKey][]byte
	computes uint64
}

type hashKey struct {
	alg   Algorithm
	input string
}

func NewHasher() *Hasher {
	return &Hasher{cache: make(map[hashKey][]byte)}
}

// Sum returns the digest of input under alg. Repeated calls with identical
// arguments return the cached digest without recomputation.
func (h *Hasher) Sum(alg Algorithm, input []byte) ([]byte, error) {
	key := hashKey{alg: alg, input: string(input)}
	if d, ok := h.cache[key]; ok {
		return append([]byte(nil), d...), nil
	}

	var hh hash.Hash
	switch alg {
	case SHA1:
		hh = sha1.New()
	case SHA256:
		hh = sha256.New()
	case SHA384:
		hh = sha512.New384()
	case SHA512:
		hh = sha512.New()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
	hh.Write(input)
	d := hh.Sum(nil)

	h.computes++
	h.cache[key] = d
	return append([]byte(nil), d...), nil
}

// Computes returns how many digests have actually been computed (cache
// misses). Exposed so tests can observe memoization.
func (h *Hasher) Computes() uint64 {
	return h.computes
}
