package filestore

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-idempotent-submissionflow/internal/apperr"
)

type memoryObject struct {
	data        []byte
	contentType string
	name        string
}

// Memory is an in-process Store for tests and local development.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memoryObject

	UploadCalls   int
	DownloadCalls int
	UploadErr     error // when set, Upload fails with it
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{objects: map[string]memoryObject{}}
}

func (m *Memory) Upload(ctx context.Context, r io.Reader, size int64, contentType, name string) (string, error) {
	m.mu.Lock()
	m.UploadCalls++
	uploadErr := m.UploadErr
	m.mu.Unlock()
	if uploadErr != nil {
		return "", apperr.Wrap(apperr.KindUnavailable, "content_store_unavailable", "upload failed", uploadErr)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnavailable, "content_store_unavailable", "upload failed", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	contentID := uuid.NewString()
	m.objects[contentID] = memoryObject{data: data, contentType: contentType, name: name}
	return contentID, nil
}

func (m *Memory) Download(ctx context.Context, contentID string) (io.ReadCloser, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DownloadCalls++
	obj, ok := m.objects[contentID]
	if !ok {
		return nil, "", apperr.E(apperr.KindNotFound, "content_not_found", "unknown content id")
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.contentType, nil
}

// Put seeds an object under a chosen id; test helper.
func (m *Memory) Put(contentID string, data []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[contentID] = memoryObject{data: data, contentType: contentType}
}
