// Package encryption implements per-chunk AES-256-GCM for object payloads.
//
// Every ChunkSize-aligned plaintext chunk is sealed independently with the
// object's single nonce, and the 16-byte tag of each chunk is stored beside
// the object metadata rather than inside the ciphertext. Ciphertext chunks are
// therefore the same length as the plaintext and keep ChunkSize alignment.
//
// The same key and nonce are used for every chunk of an object. This matches
// the established on-disk format and must be kept for compatibility; it has
// not been reviewed as a sound use of GCM.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/bleepstore/chunkvault/internal/object"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// ErrAuthFailed is returned when a chunk does not verify against its tag.
var ErrAuthFailed = errors.New("message authentication failed")

// Cipher seals and opens object chunks with one AES-256 key.
type Cipher struct {
	aead cipher.AEAD
}

// New returns a Cipher for a 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// DeriveKey stretches secret into an AES-256 key with HKDF-SHA256.
func DeriveKey(secret, salt []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, salt, []byte("chunkvault-aes256-gcm"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// RandomNonce returns a fresh object nonce.
func RandomNonce() (object.Nonce, error) {
	var n object.Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// SealChunk encrypts chunk in place and returns its tag.
func (c *Cipher) SealChunk(nonce object.Nonce, chunk []byte) object.Tag {
	sealed := c.aead.Seal(nil, nonce[:], chunk, nil)
	copy(chunk, sealed)
	var tag object.Tag
	copy(tag[:], sealed[len(chunk):])
	return tag
}

// OpenChunk decrypts ciphertext with tag into a new slice. ciphertext is
// left untouched.
func (c *Cipher) OpenChunk(nonce object.Nonce, tag object.Tag, ciphertext []byte) ([]byte, error) {
	buf := make([]byte, 0, len(ciphertext)+object.TagSize)
	buf = append(append(buf, ciphertext...), tag[:]...)
	plain, err := c.aead.Open(buf[:0], nonce[:], buf, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

// SealPayload encrypts payload in place, chunk by chunk, and returns one tag
// per chunk.
func (c *Cipher) SealPayload(nonce object.Nonce, payload []byte) []object.Tag {
	tags := make([]object.Tag, 0, object.ChunkCount(uint64(len(payload))))
	for off := 0; off < len(payload); off += object.ChunkSize {
		end := min(off+object.ChunkSize, len(payload))
		tags = append(tags, c.SealChunk(nonce, payload[off:end]))
	}
	return tags
}

// OpenPayload decrypts a whole payload sealed by SealPayload.
func (c *Cipher) OpenPayload(nonce object.Nonce, tags []object.Tag, payload []byte) ([]byte, error) {
	if uint64(len(tags)) != object.ChunkCount(uint64(len(payload))) {
		return nil, fmt.Errorf("have %d tags for %d chunks", len(tags), object.ChunkCount(uint64(len(payload))))
	}
	out := make([]byte, 0, len(payload))
	for i, off := 0, 0; off < len(payload); i, off = i+1, off+object.ChunkSize {
		end := min(off+object.ChunkSize, len(payload))
		plain, err := c.OpenChunk(nonce, tags[i], payload[off:end])
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		out = append(out, plain...)
	}
	return out, nil
}

// AlignRange widens [start, end) to whole chunks of an object of size
// bytes.
func AlignRange(start, end, size uint64) (uint64, uint64) {
	chunkStart := start / object.ChunkSize * object.ChunkSize
	chunkEnd := min(size, (end+object.ChunkSize-1)/object.ChunkSize*object.ChunkSize)
	return chunkStart, chunkEnd
}
