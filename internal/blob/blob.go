// Package blob stores uploaded files and purchased packs on the local
// filesystem. Every read runs under a deadline; timeouts and I/O failures
// surface as apperr.KindUpstream after one retry.
package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
	"github.com/zeebo/blake3"

	"examhub/internal/apperr"
	"examhub/internal/logger"
)

var (
	ErrNotFound = apperr.NotFound("file not found")
	ErrTooLarge = apperr.Invalid("file too large")
	ErrBadKey   = apperr.Invalid("invalid file key")
)

// Object describes a stored file.
type Object struct {
	Key    string
	Size   int64
	Digest string
}

// File is an open stored file.
type File interface {
	io.ReadSeekCloser
	io.ReaderAt
}

// Store keeps files below root. Keys are slash-separated and relative.
type Store struct {
	root    string
	clock   clockwork.Clock
	timeout time.Duration
	maxSize int64
}

// NewStore creates a Store. maxSize <= 0 disables the upload limit.
func NewStore(root string, clock clockwork.Clock, timeout time.Duration, maxSize int64) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{root: root, clock: clock, timeout: timeout, maxSize: maxSize}
}

// Save writes r under prefix/YYYY/MM/DD/<uuid>-<name> and returns its size
// and BLAKE3 digest.
func (s *Store) Save(ctx context.Context, prefix, name string, r io.Reader) (Object, error) {
	now := s.clock.Now().UTC()
	key := path.Join(prefix, now.Format("2006/01/02"), uuid.NewString()+"-"+SafeName(name))
	full, err := s.resolve(key)
	if err != nil {
		return Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Object{}, apperr.Upstream("storage unavailable", err)
	}

	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Object{}, apperr.Upstream("storage unavailable", err)
	}

	hasher := blake3.New()
	src := r
	if s.maxSize > 0 {
		// 1バイト余分に読んで上限超過を検出する
		src = io.LimitReader(r, s.maxSize+1)
	}
	n, err := io.Copy(io.MultiWriter(f, hasher), src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxSize > 0 && n > s.maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(full)
		if errors.Is(err, ErrTooLarge) {
			return Object{}, err
		}
		return Object{}, apperr.Upstream("failed to store file", err)
	}

	return Object{Key: key, Size: n, Digest: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// Open opens key for reading. A failed open is retried once.
func (s *Store) Open(ctx context.Context, key string) (File, fs.FileInfo, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		f    *os.File
		info fs.FileInfo
	)
	b := retry.WithMaxRetries(1, retry.NewConstant(50*time.Millisecond))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		var openErr error
		f, info, openErr = openWithin(ctx, full)
		if openErr == nil {
			return nil
		}
		if errors.Is(openErr, fs.ErrNotExist) {
			return openErr
		}
		return retry.RetryableError(openErr)
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		logger.Warnf("[blob] open %s failed: %v", key, err)
		return nil, nil, apperr.Upstream("storage unavailable", err)
	}
	return f, info, nil
}

type openResult struct {
	f    *os.File
	info fs.FileInfo
	err  error
}

// openWithin opens and stats full, giving up when ctx is done. A file that
// arrives after the deadline is closed.
func openWithin(ctx context.Context, full string) (*os.File, fs.FileInfo, error) {
	done := make(chan openResult, 1)
	go func() {
		f, err := os.Open(full)
		if err != nil {
			done <- openResult{err: err}
			return
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			done <- openResult{err: err}
			return
		}
		if info.IsDir() {
			f.Close()
			done <- openResult{err: fs.ErrNotExist}
			return
		}
		done <- openResult{f: f, info: info}
	}()

	select {
	case res := <-done:
		return res.f, res.info, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.f != nil {
				res.f.Close()
			}
		}()
		return nil, nil, fmt.Errorf("open timed out: %w", ctx.Err())
	}
}

// Delete removes key. Removing a missing file is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Upstream("failed to remove file", err)
	}
	return nil
}

func (s *Store) resolve(key string) (string, error) {
	if key == "" || strings.Contains(key, "\\") {
		return "", ErrBadKey
	}
	clean := path.Clean("/" + key)
	if clean == "/" || clean != "/"+key {
		return "", ErrBadKey
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

// SafeName strips directories and characters that do not belong in a file
// name.
func SafeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == 0 || r < 0x20:
			continue
		case r == ' ':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "file"
	}
	if len(out) > 200 {
		ext := path.Ext(out)
		if len(ext) > 20 {
			ext = ""
		}
		out = out[:200-len(ext)] + ext
	}
	return out
}
