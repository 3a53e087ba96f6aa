package uploader

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/crypto/sha3"

	"github.com/bleepstore/chunkvault/internal/client"
	"github.com/bleepstore/chunkvault/internal/encryption"
	"github.com/bleepstore/chunkvault/internal/engine"
	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/handlers"
	"github.com/bleepstore/chunkvault/internal/metadata"
	"github.com/bleepstore/chunkvault/internal/object"
	"github.com/bleepstore/chunkvault/internal/storage"
)

// faultCaller wraps a Caller and lets a test fail or tamper with calls.
type faultCaller struct {
	client.Caller

	mu     sync.Mutex
	fail   func(method string, args any) error
	tamper func(method string, out any)
	calls  map[string]int
}

func (f *faultCaller) Call(ctx context.Context, method string, args, out any) error {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method]++
	fail, tamper := f.fail, f.tamper
	f.mu.Unlock()

	if fail != nil {
		if err := fail(method, args); err != nil {
			return err
		}
	}
	if err := f.Caller.Call(ctx, method, args, out); err != nil {
		return err
	}
	if tamper != nil {
		tamper(method, out)
	}
	return nil
}

func (f *faultCaller) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func newCaller(t *testing.T) *faultCaller {
	t.Helper()
	kv, err := metadata.NewMemoryStore("", 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	e, err := engine.New(context.Background(), kv, storage.NewKVChunkStore(kv), engine.Options{
		Name:     "uploader-test",
		Managers: []string{"writer"},
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	svc := handlers.NewService(e, nil)
	return &faultCaller{Caller: &client.LocalCaller{Service: svc, Identity: "writer"}}
}

func testCipher(t *testing.T) *encryption.Cipher {
	t.Helper()
	c, err := encryption.New(bytes.Repeat([]byte{3}, encryption.KeySize))
	if err != nil {
		t.Fatalf("encryption.New: %v", err)
	}
	return c
}

func patterned(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 11 % 241)
	}
	return p
}

// drain collects every event and checks the terminal event is last and
// unique.
func drain(t *testing.T, events <-chan Progress) []Progress {
	t.Helper()
	var all []Progress
	terminal := 0
	for p := range events {
		if terminal > 0 {
			t.Fatalf("event %+v after terminal event", p)
		}
		if p.Done || p.Err != nil {
			terminal++
		}
		all = append(all, p)
	}
	if terminal != 1 {
		t.Fatalf("terminal events = %d, want 1", terminal)
	}
	return all
}

func sha3Hex(p []byte) string {
	sum := sha3.Sum256(p)
	return hex.EncodeToString(sum[:])
}

func TestUploadRoundTrip(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		name := "plain"
		if encrypted {
			name = "encrypted"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var opts []client.Option
			if encrypted {
				opts = append(opts, client.WithCipher(testCipher(t)))
			}
			c := client.New(newCaller(t), opts...)
			u := &Uploader{Client: c, Concurrency: 2}

			payload := patterned(3*object.ChunkSize + 100)
			res, events := u.Upload(ctx, "big/file.bin", bytes.NewReader(payload), UploadOptions{
				Attributes: object.Attributes{}.Set(object.Attribute{Kind: object.ContentType}, "application/octet-stream"),
			})
			all := drain(t, events)
			if res.Err != nil {
				t.Fatalf("Upload: %v", res.Err)
			}
			last := all[len(all)-1]
			if !last.Done || last.Filled != uint64(len(payload)) {
				t.Errorf("terminal event = %+v", last)
			}
			if len(all) != 5 {
				t.Errorf("events = %d, want 4 parts and 1 terminal", len(all))
			}
			if res.UploadedChunks.GetCardinality() != 4 {
				t.Errorf("uploaded chunks = %v, want 4", res.UploadedChunks.ToArray())
			}
			if res.Hash != sha3Hex(payload) {
				t.Errorf("Hash = %s, want %s", res.Hash, sha3Hex(payload))
			}
			if res.ETag == "" {
				t.Error("ETag not set")
			}

			got, err := c.Get(ctx, "big/file.bin")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("Get returned %d bytes, want %d", len(got), len(payload))
			}
			head, err := c.GetOpts(ctx, "big/file.bin", object.GetOptions{Head: true})
			if err != nil {
				t.Fatalf("GetOpts(head): %v", err)
			}
			if v, ok := head.Attributes.Get(HashAttribute); !ok || v != res.Hash {
				t.Errorf("sha3-256 attribute = %q, %v", v, ok)
			}
			if v, _ := head.Attributes.Get(object.Attribute{Kind: object.ContentType}); v != "application/octet-stream" {
				t.Errorf("ContentType = %q", v)
			}
		})
	}
}

func TestUploadEmpty(t *testing.T) {
	ctx := context.Background()
	c := client.New(newCaller(t))
	u := &Uploader{Client: c}
	res, events := u.Upload(ctx, "empty", bytes.NewReader(nil), UploadOptions{})
	drain(t, events)
	if res.Err != nil {
		t.Fatalf("Upload: %v", res.Err)
	}
	meta, err := c.Head(ctx, "empty")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if meta.Size != 0 {
		t.Errorf("Size = %d, want 0", meta.Size)
	}
}

func TestUploadResume(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		name := "plain"
		if encrypted {
			name = "encrypted"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			caller := newCaller(t)
			var opts []client.Option
			if encrypted {
				opts = append(opts, client.WithCipher(testCipher(t)))
			}
			c := client.New(caller, opts...)
			u := &Uploader{Client: c, Concurrency: 1}

			boom := errors.New("connection reset")
			caller.fail = func(method string, args any) error {
				if req, ok := args.(handlers.PutPartRequest); ok && req.PartIdx == 2 {
					return boom
				}
				return nil
			}
			payload := patterned(4*object.ChunkSize + 17)
			first, events := u.Upload(ctx, "resume.bin", bytes.NewReader(payload), UploadOptions{})
			drain(t, events)
			if !errors.Is(first.Err, boom) {
				t.Fatalf("first Upload err = %v, want %v", first.Err, boom)
			}
			if first.UploadedChunks.Contains(2) {
				t.Error("failed part recorded as uploaded")
			}
			if _, err := c.Head(ctx, "resume.bin"); storeerr.CodeOf(err) != storeerr.CodePrecondition {
				t.Errorf("Head during upload = %v, want Precondition", err)
			}

			caller.fail = nil
			before := caller.count("put_part")
			second, events := u.Upload(ctx, "resume.bin", bytes.NewReader(payload), UploadOptions{Resume: first})
			all := drain(t, events)
			if second.Err != nil {
				t.Fatalf("resumed Upload: %v", second.Err)
			}
			skipped := 0
			for _, p := range all {
				if p.Skipped {
					skipped++
				}
			}
			if want := int(first.UploadedChunks.GetCardinality()); skipped != want {
				t.Errorf("skipped = %d, want %d", skipped, want)
			}
			if sent := caller.count("put_part") - before; sent != 5-skipped {
				t.Errorf("resumed put_part calls = %d, want %d", sent, 5-skipped)
			}
			if second.ID != first.ID {
				t.Errorf("resumed ID = %s, want %s", second.ID, first.ID)
			}
			if second.Hash != sha3Hex(payload) {
				t.Error("resumed hash does not cover the whole object")
			}

			got, err := c.Get(ctx, "resume.bin")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatal("resumed object mismatch")
			}
		})
	}
}

func TestUploadChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	caller := newCaller(t)
	caller.tamper = func(method string, out any) {
		if ack, ok := out.(*object.PartID); ok && method == "put_part" {
			ack.Checksum ^= 0xff
		}
	}
	c := client.New(caller)
	u := &Uploader{Client: c}

	res, events := u.Upload(ctx, "bad.bin", bytes.NewReader(patterned(object.ChunkSize+1)), UploadOptions{})
	drain(t, events)
	var ce *ChecksumError
	if !errors.As(res.Err, &ce) {
		t.Fatalf("Upload err = %v, want ChecksumError", res.Err)
	}
	if caller.count("complete_multipart") != 0 {
		t.Error("upload committed after a checksum mismatch")
	}
}

func TestUploadRejectsResumeWithoutID(t *testing.T) {
	u := &Uploader{Client: client.New(newCaller(t))}
	res, events := u.Upload(context.Background(), "x", bytes.NewReader([]byte("x")), UploadOptions{
		Resume: &UploadResult{UploadedChunks: roaring.New()},
	})
	drain(t, events)
	if storeerr.CodeOf(res.Err) != storeerr.CodePrecondition {
		t.Errorf("err = %v, want Precondition", res.Err)
	}
}

func TestUploadRateLimited(t *testing.T) {
	ctx := context.Background()
	c := client.New(newCaller(t))
	u := &Uploader{Client: c, RateLimit: 64 << 20}
	payload := patterned(2*object.ChunkSize + 5)
	res, events := u.Upload(ctx, "limited", bytes.NewReader(payload), UploadOptions{})
	drain(t, events)
	if res.Err != nil {
		t.Fatalf("Upload: %v", res.Err)
	}
	if res.Uploaded != uint64(len(payload)) {
		t.Errorf("Uploaded = %d, want %d", res.Uploaded, len(payload))
	}
}

func TestConcurrencyBounds(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultConcurrency},
		{-3, DefaultConcurrency},
		{1, 1},
		{64, 64},
		{200, MaxConcurrency},
	}
	for _, tt := range tests {
		u := &Uploader{Concurrency: tt.in}
		if got := u.concurrency(); got != tt.want {
			t.Errorf("concurrency(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDownload(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		name := "plain"
		if encrypted {
			name = "encrypted"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var opts []client.Option
			if encrypted {
				opts = append(opts, client.WithCipher(testCipher(t)))
			}
			c := client.New(newCaller(t), opts...)
			u := &Uploader{Client: c}

			payload := patterned(2*downloadWindow + 123)
			res, events := u.Upload(ctx, "dl.bin", bytes.NewReader(payload), UploadOptions{})
			drain(t, events)
			if res.Err != nil {
				t.Fatalf("Upload: %v", res.Err)
			}

			out, err := os.Create(filepath.Join(t.TempDir(), "dl.bin"))
			if err != nil {
				t.Fatalf("creating output: %v", err)
			}
			defer out.Close()
			meta, err := u.Download(ctx, "dl.bin", out, 3)
			if err != nil {
				t.Fatalf("Download: %v", err)
			}
			if meta.Size != uint64(len(payload)) {
				t.Errorf("Size = %d, want %d", meta.Size, len(payload))
			}
			got, err := os.ReadFile(out.Name())
			if err != nil {
				t.Fatalf("reading output: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("downloaded %d bytes, want %d", len(got), len(payload))
			}
		})
	}
}

func TestDownloadMissing(t *testing.T) {
	u := &Uploader{Client: client.New(newCaller(t))}
	out, err := os.Create(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("creating output: %v", err)
	}
	defer out.Close()
	if _, err := u.Download(context.Background(), "missing", out, 0); !errors.Is(err, storeerr.ErrNotFound) {
		t.Errorf("Download = %v, want NotFound", err)
	}
}
