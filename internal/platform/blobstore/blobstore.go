// Package blobstore stores documents (ERA/EOB remittance files, scanned
// paperwork) in S3, MinIO, or memory.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound           = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrEmptyKey           = errors.New("blob key is required")
)

// MaxFileSize is the largest accepted upload (25 MB).
const MaxFileSize = 25 * 1024 * 1024

// AllowedContentTypes lists the document types accepted for upload.
var AllowedContentTypes = map[string]bool{
	"application/pdf":     true,
	"image/png":           true,
	"image/jpeg":          true,
	"image/tiff":          true,
	"text/plain":          true,
	"application/edi-x12": true, // 835 remittance advice
	"application/xml":     true,
}

// Object describes a stored blob.
type Object struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	SHA256      string            `json:"sha256,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type Store interface {
	Put(ctx context.Context, obj Object, content io.Reader) (*Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, key string) error
}

// prepare validates obj and reads content, returning the bytes and the
// object with size and digest filled in.
func prepare(obj Object, content io.Reader) ([]byte, Object, error) {
	if obj.Key == "" {
		return nil, obj, ErrEmptyKey
	}
	mediaType, _, err := mime.ParseMediaType(obj.ContentType)
	if err != nil || !AllowedContentTypes[mediaType] {
		return nil, obj, fmt.Errorf("%w: %q", ErrInvalidContentType, obj.ContentType)
	}
	obj.ContentType = mediaType

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, obj, fmt.Errorf("read content: %w", err)
	}
	if len(data) > MaxFileSize {
		return nil, obj, ErrFileTooLarge
	}

	sum := sha256.Sum256(data)
	obj.Size = int64(len(data))
	obj.SHA256 = hex.EncodeToString(sum[:])
	obj.CreatedAt = time.Now().UTC()
	return data, obj, nil
}

type storedBlob struct {
	obj  Object
	data []byte
}

// MemoryStore is a thread-safe in-process Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]*storedBlob)}
}

func (s *MemoryStore) Put(_ context.Context, obj Object, content io.Reader) (*Object, error) {
	data, obj, err := prepare(obj, content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.blobs[obj.Key] = &storedBlob{obj: obj, data: data}
	s.mu.Unlock()

	out := obj
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	b, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	obj := b.obj
	return io.NopCloser(bytes.NewReader(b.data)), &obj, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrNotFound
	}
	delete(s.blobs, key)
	return nil
}

// Keys lists stored keys in order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
