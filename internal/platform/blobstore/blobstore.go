// Package blobstore keeps report documents out of the workflow store. The
// workflow only ever sees the opaque file handle returned by Put.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
	ErrEmptyFile          = errors.New("file is empty")
	ErrInvalidHandle      = errors.New("invalid file handle")
)

// MaxFileSize is the maximum report size in bytes (25 MB).
const MaxFileSize = 25 * 1024 * 1024

const handlePrefix = "reports/"

// AllowedContentTypes lists the formats a lab report may be delivered in.
var AllowedContentTypes = map[string]bool{
	"application/pdf":  true,
	"text/plain":       true,
	"text/html":        true,
	"application/json": true,
	"image/png":        true,
	"image/jpeg":       true,
}

// Metadata describes a stored report.
type Metadata struct {
	Handle        string    `json:"file_handle"`
	TestRequestID string    `json:"test_request_id"`
	FileName      string    `json:"file_name"`
	ContentType   string    `json:"content_type"`
	Size          int64     `json:"size"`
	Hash          string    `json:"hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// Upload is a validated report ready to be stored.
type Upload struct {
	FileName    string
	ContentType string
	Content     []byte
}

// Store is the report store contract. Put returns the opaque file handle
// the workflow records; Get resolves it back to the bytes.
type Store interface {
	Put(ctx context.Context, requestID uuid.UUID, up Upload) (*Metadata, error)
	Get(ctx context.Context, handle string) ([]byte, *Metadata, error)
}

// Validate checks an upload before it is sent to any backend.
func (u Upload) Validate() error {
	if strings.TrimSpace(u.FileName) == "" {
		return ErrMissingFileName
	}
	if len(u.Content) == 0 {
		return ErrEmptyFile
	}
	if len(u.Content) > MaxFileSize {
		return ErrFileTooLarge
	}
	mt, _, err := mime.ParseMediaType(u.ContentType)
	if err != nil || !AllowedContentTypes[mt] {
		return fmt.Errorf("%w: %q", ErrInvalidContentType, u.ContentType)
	}
	return nil
}

// ReadUpload reads and validates a multipart file part.
func ReadUpload(fh *multipart.FileHeader) (Upload, error) {
	src, err := fh.Open()
	if err != nil {
		return Upload{}, fmt.Errorf("opening upload: %w", err)
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxFileSize+1))
	if err != nil {
		return Upload{}, fmt.Errorf("reading upload: %w", err)
	}
	up := Upload{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Content:     data,
	}
	if up.ContentType == "" {
		up.ContentType = mime.TypeByExtension(extension(fh.Filename))
	}
	return up, up.Validate()
}

func extension(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

// NewHandle mints a file handle for a report of requestID.
func NewHandle(requestID uuid.UUID) string {
	return handlePrefix + requestID.String() + "/" + uuid.NewString()
}

// ParseHandle returns the request a handle belongs to.
func ParseHandle(handle string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(handle, handlePrefix)
	if !ok {
		return uuid.Nil, ErrInvalidHandle
	}
	reqID, objID, ok := strings.Cut(rest, "/")
	if !ok {
		return uuid.Nil, ErrInvalidHandle
	}
	id, err := uuid.Parse(reqID)
	if err != nil {
		return uuid.Nil, ErrInvalidHandle
	}
	if _, err := uuid.Parse(objID); err != nil {
		return uuid.Nil, ErrInvalidHandle
	}
	return id, nil
}

func newMetadata(handle string, requestID uuid.UUID, up Upload) Metadata {
	return Metadata{
		Handle:        handle,
		TestRequestID: requestID.String(),
		FileName:      up.FileName,
		ContentType:   up.ContentType,
		Size:          int64(len(up.Content)),
		Hash:          fmt.Sprintf("%x", sha256.Sum256(up.Content)),
		CreatedAt:     time.Now().UTC(),
	}
}

type storedBlob struct {
	metadata Metadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe Store for tests and development.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]*storedBlob)}
}

func (s *InMemoryBlobStore) Put(_ context.Context, requestID uuid.UUID, up Upload) (*Metadata, error) {
	if err := up.Validate(); err != nil {
		return nil, err
	}
	handle := NewHandle(requestID)
	meta := newMetadata(handle, requestID, up)

	s.mu.Lock()
	s.blobs[handle] = &storedBlob{metadata: meta, content: bytes.Clone(up.Content)}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, handle string) ([]byte, *Metadata, error) {
	if _, err := ParseHandle(handle); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	blob, ok := s.blobs[handle]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return bytes.Clone(blob.content), &meta, nil
}

// Len reports how many reports are stored.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
