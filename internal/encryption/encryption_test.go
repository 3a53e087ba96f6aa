package encryption

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bleepstore/chunkvault/internal/object"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := DeriveKey([]byte("test secret"), []byte("salt"))
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	c, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func sample(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 253)
	}
	return p
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := New(make([]byte, 16)); err == nil {
		t.Error("New(16-byte key) = nil error, want error")
	}
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	a, _ := DeriveKey([]byte("s"), nil)
	b, _ := DeriveKey([]byte("s"), nil)
	c, _ := DeriveKey([]byte("t"), nil)
	if !bytes.Equal(a, b) {
		t.Error("same secret produced different keys")
	}
	if bytes.Equal(a, c) {
		t.Error("different secrets produced the same key")
	}
	if len(a) != KeySize {
		t.Errorf("len(key) = %d, want %d", len(a), KeySize)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	nonce, err := RandomNonce()
	if err != nil {
		t.Fatalf("RandomNonce: %v", err)
	}
	for _, n := range []int{0, 1, object.ChunkSize, object.ChunkSize + 1, 3*object.ChunkSize - 7} {
		plain := sample(n)
		buf := append([]byte(nil), plain...)
		tags := c.SealPayload(nonce, buf)
		if uint64(len(tags)) != object.ChunkCount(uint64(n)) {
			t.Fatalf("%d bytes: %d tags, want %d", n, len(tags), object.ChunkCount(uint64(n)))
		}
		if len(buf) != n {
			t.Fatalf("ciphertext length = %d, want %d", len(buf), n)
		}
		if n > 0 && bytes.Equal(buf, plain) {
			t.Fatalf("%d bytes: ciphertext equals plaintext", n)
		}
		got, err := c.OpenPayload(nonce, tags, buf)
		if err != nil {
			t.Fatalf("OpenPayload: %v", err)
		}
		if !bytes.Equal(got, plain) {
			t.Errorf("%d bytes: round trip mismatch", n)
		}
	}
}

func TestChunksDecryptIndependently(t *testing.T) {
	c := newTestCipher(t)
	nonce, _ := RandomNonce()
	plain := sample(2*object.ChunkSize + 100)
	buf := append([]byte(nil), plain...)
	tags := c.SealPayload(nonce, buf)

	got, err := c.OpenChunk(nonce, tags[2], buf[2*object.ChunkSize:])
	if err != nil {
		t.Fatalf("OpenChunk: %v", err)
	}
	if !bytes.Equal(got, plain[2*object.ChunkSize:]) {
		t.Error("last chunk mismatch")
	}
	got, err = c.OpenChunk(nonce, tags[1], buf[object.ChunkSize:2*object.ChunkSize])
	if err != nil {
		t.Fatalf("OpenChunk: %v", err)
	}
	if !bytes.Equal(got, plain[object.ChunkSize:2*object.ChunkSize]) {
		t.Error("middle chunk mismatch")
	}
}

func TestOpenFailsClosed(t *testing.T) {
	c := newTestCipher(t)
	nonce, _ := RandomNonce()
	buf := sample(1000)
	tags := c.SealPayload(nonce, buf)

	wrongTag := tags[0]
	wrongTag[0] ^= 1
	if _, err := c.OpenChunk(nonce, wrongTag, buf); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("OpenChunk(bad tag) = %v, want ErrAuthFailed", err)
	}

	tampered := append([]byte(nil), buf...)
	tampered[10] ^= 0xff
	if _, err := c.OpenChunk(nonce, tags[0], tampered); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("OpenChunk(tampered) = %v, want ErrAuthFailed", err)
	}

	other := newTestCipherWithSecret(t, "other")
	if _, err := other.OpenChunk(nonce, tags[0], buf); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("OpenChunk(wrong key) = %v, want ErrAuthFailed", err)
	}

	if _, err := c.OpenPayload(nonce, nil, buf); err == nil {
		t.Error("OpenPayload(no tags) = nil error, want error")
	}
}

func TestOpenChunkKeepsInput(t *testing.T) {
	c := newTestCipher(t)
	nonce, _ := RandomNonce()
	buf := sample(64)
	tag := c.SealChunk(nonce, buf)
	before := append([]byte(nil), buf...)
	if _, err := c.OpenChunk(nonce, tag, buf); err != nil {
		t.Fatalf("OpenChunk: %v", err)
	}
	if !bytes.Equal(buf, before) {
		t.Error("OpenChunk modified its input")
	}
}

func newTestCipherWithSecret(t *testing.T, secret string) *Cipher {
	t.Helper()
	key, _ := DeriveKey([]byte(secret), []byte("salt"))
	c, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestAlignRange(t *testing.T) {
	const cs = object.ChunkSize
	tests := []struct {
		start, end, size uint64
		wantStart        uint64
		wantEnd          uint64
	}{
		{0, 1, 10, 0, 10},
		{5, 10, 3 * cs, 0, cs},
		{cs, cs + 1, 3 * cs, cs, 2 * cs},
		{cs - 1, cs + 1, 3 * cs, 0, 2 * cs},
		{2*cs + 5, 2*cs + 50, 2*cs + 60, 2 * cs, 2*cs + 60},
		{0, 2 * cs, 2 * cs, 0, 2 * cs},
	}
	for _, tt := range tests {
		s, e := AlignRange(tt.start, tt.end, tt.size)
		if s != tt.wantStart || e != tt.wantEnd {
			t.Errorf("AlignRange(%d, %d, %d) = (%d, %d), want (%d, %d)", tt.start, tt.end, tt.size, s, e, tt.wantStart, tt.wantEnd)
		}
	}
}
