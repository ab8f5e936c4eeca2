package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"examhub/internal/apperr"
)

func newTestStore(t *testing.T, maxSize int64) *Store {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	return NewStore(t.TempDir(), clock, time.Second, maxSize)
}

func TestSaveAndOpen(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	obj, err := s.Save(ctx, "forum_attachments", "notes v1.pdf", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasPrefix(obj.Key, "forum_attachments/2025/03/07/") || !strings.HasSuffix(obj.Key, "-notes_v1.pdf") {
		t.Errorf("unexpected key %q", obj.Key)
	}
	if obj.Size != 5 {
		t.Errorf("Expected size 5, got %d", obj.Size)
	}
	if len(obj.Digest) != 64 {
		t.Errorf("Expected 64 hex digest, got %q", obj.Digest)
	}

	f, info, err := s.Open(ctx, obj.Key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if string(data) != "hello" || info.Size() != 5 {
		t.Errorf("unexpected contents %q (size %d)", data, info.Size())
	}
}

func TestSave_SameBytesSameDigest(t *testing.T) {
	s := newTestStore(t, 0)
	a, _ := s.Save(context.Background(), "p", "a.txt", strings.NewReader("same"))
	b, _ := s.Save(context.Background(), "p", "b.txt", strings.NewReader("same"))
	if a.Digest != b.Digest {
		t.Error("identical content should hash identically")
	}
	if a.Key == b.Key {
		t.Error("keys should be unique")
	}
}

func TestSave_TooLarge(t *testing.T) {
	s := newTestStore(t, 4)
	_, err := s.Save(context.Background(), "p", "big.txt", strings.NewReader("12345"))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Expected ErrTooLarge, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindInvalid {
		t.Errorf("Expected invalid kind, got %v", apperr.KindOf(err))
	}
}

func TestOpen_Missing(t *testing.T) {
	s := newTestStore(t, 0)
	_, _, err := s.Open(context.Background(), "packs/missing.zip")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestResolve_RejectsTraversal(t *testing.T) {
	s := newTestStore(t, 0)
	for _, key := range []string{"../etc/passwd", "a/../../b", "/abs", "", "a\\b"} {
		if _, _, err := s.Open(context.Background(), key); !errors.Is(err, ErrBadKey) {
			t.Errorf("key %q: expected ErrBadKey, got %v", key, err)
		}
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	obj, _ := s.Save(ctx, "p", "x.txt", strings.NewReader("x"))
	if err := s.Delete(ctx, obj.Key); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Open(ctx, obj.Key); !errors.Is(err, ErrNotFound) {
		t.Errorf("file should be gone, got %v", err)
	}
	if err := s.Delete(ctx, obj.Key); err != nil {
		t.Errorf("deleting a missing file should succeed, got %v", err)
	}
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd": "passwd",
		"C:\\tmp\\a b.png": "a_b.png",
		".hidden":          "hidden",
		"":                 "file",
	}
	for in, want := range cases {
		if got := SafeName(in); got != want {
			t.Errorf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}
