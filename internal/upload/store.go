package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultExt is used when the client filename has no usable extension.
const DefaultExt = ".wav"

const bytesPerMB = 1024 * 1024

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// TooLargeError reports an upload over the configured limit.
type TooLargeError struct {
	Size  int64
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("File size (%.1fMB) exceeds limit (%dMB)",
		float64(e.Size)/bytesPerMB, e.Limit/bytesPerMB)
}

// File is an upload as received from a client.
type File struct {
	Filename string
	Content  io.Reader
}

// Artifact is an upload persisted under the temp directory. It is owned by
// the request that created it and removed at most once.
type Artifact struct {
	Path     string
	Filename string
	Size     int64

	once      sync.Once
	removeErr error
}

// Remove deletes the file. Only the first call touches the filesystem; later
// calls return the first result.
func (a *Artifact) Remove() error {
	a.once.Do(func() {
		if err := os.Remove(a.Path); err != nil {
			a.removeErr = fmt.Errorf("remove temp file %s: %w", a.Path, err)
		}
	})
	return a.removeErr
}

// Store writes uploads under one directory, each with a fresh random name.
type Store struct {
	dir   string
	limit int64
}

func NewStore(dir string, limit int64) *Store {
	return &Store{dir: dir, limit: limit}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Limit() int64 { return s.limit }

// ReadLimited buffers r in memory. If r holds more than the limit, the rest
// is counted and discarded and a *TooLargeError is returned; nothing is
// written to disk in that case.
func (s *Store) ReadLimited(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r, s.limit+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if n > s.limit {
		rest, _ := io.Copy(io.Discard, r)
		return nil, &TooLargeError{Size: n + rest, Limit: s.limit}
	}
	return buf.Bytes(), nil
}

// Save validates the size of f and persists it atomically. The client
// filename only contributes its extension.
func (s *Store) Save(f File) (*Artifact, error) {
	data, err := s.ReadLimited(f.Content)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	name := uuid.NewString() + Extension(f.Filename)
	path := filepath.Join(s.dir, name)
	partial := filepath.Join(s.dir, "."+name+".part")

	if err := os.WriteFile(partial, data, 0o600); err != nil {
		os.Remove(partial)
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return nil, fmt.Errorf("move temp file: %w", err)
	}

	return &Artifact{
		Path:     path,
		Filename: f.Filename,
		Size:     int64(len(data)),
	}, nil
}

// Extension returns the lower-cased extension of a client filename, or
// DefaultExt when there is none or it looks unsafe.
func Extension(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	ext := strings.ToLower(filepath.Ext(base))
	if !extPattern.MatchString(ext) {
		return DefaultExt
	}
	return ext
}
