// Package documents stores supporting documents for leave requests.
//
// Blobs are content-addressed: the id is the SHA-256 of the bytes, and the
// file lives at {base}/{id[0:2]}/{id}. Identical uploads share one file.
// Requests keep only a leave.DocumentRef; no payload is held in memory
// beyond the copy buffer.
package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/warp/leave-engine/leave"
	"go.uber.org/zap"
)

// DefaultMaxSize caps one upload.
const DefaultMaxSize = 10 << 20

var ErrTooLarge = errors.New("document too large")

type FileStore struct {
	baseDir string
	maxSize int64
	logger  *zap.Logger
}

func NewFileStore(baseDir string, maxSize int64, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &FileStore{baseDir: baseDir, maxSize: maxSize, logger: logger.Named("documents")}
}

// Put streams r to disk and returns its reference.
func (s *FileStore) Put(ctx context.Context, name, contentType string, r io.Reader) (leave.DocumentRef, error) {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return leave.DocumentRef{}, fmt.Errorf("create document dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.baseDir, "upload-*")
	if err != nil {
		return leave.DocumentRef{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(r, s.maxSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return leave.DocumentRef{}, fmt.Errorf("write document: %w", err)
	}
	if n > s.maxSize {
		return leave.DocumentRef{}, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxSize)
	}
	if err := ctx.Err(); err != nil {
		return leave.DocumentRef{}, err
	}

	id := hex.EncodeToString(h.Sum(nil))
	dst := s.path(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return leave.DocumentRef{}, fmt.Errorf("create document dir: %w", err)
	}
	if _, err := os.Stat(dst); errors.Is(err, os.ErrNotExist) {
		if err := os.Rename(tmp.Name(), dst); err != nil {
			return leave.DocumentRef{}, fmt.Errorf("store document: %w", err)
		}
	}

	s.logger.Debug("document stored",
		zap.String("id", id),
		zap.String("name", name),
		zap.Int64("size", n))
	return leave.DocumentRef{ID: id, Name: filepath.Base(name), ContentType: contentType, Size: n}, nil
}

// Open returns the blob for id. The caller closes it.
func (s *FileStore) Open(_ context.Context, id string) (io.ReadCloser, error) {
	if !ValidID(id) {
		return nil, &leave.NotFoundError{Resource: "document", ID: id}
	}
	f, err := os.Open(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &leave.NotFoundError{Resource: "document", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	return f, nil
}

// Exists reports whether id names a stored blob.
func (s *FileStore) Exists(_ context.Context, id string) bool {
	if !ValidID(id) {
		return false
	}
	_, err := os.Stat(s.path(id))
	return err == nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.baseDir, id[:2], id)
}

// ValidID accepts exactly a lowercase hex SHA-256, which also rules out
// any path traversal.
func ValidID(id string) bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
