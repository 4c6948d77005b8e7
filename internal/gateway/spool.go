package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"strings"

	"github.com/imrishuroy/go-idempotent-submissionflow/internal/apperr"
)

// spooledUpload is the uploaded file copied to a temp file so it can be read
// twice: once hashed while spooling, once streamed to the content store.
type spooledUpload struct {
	path        string
	sha256Hex   string
	size        int64
	contentType string
	fileName    string
}

// spoolUpload copies the multipart file part to a temp file, hashing it on
// the way through. Callers must Cleanup regardless of outcome.
func spoolUpload(fh *multipart.FileHeader) (*spooledUpload, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid_upload", "cannot open uploaded file", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "submission-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}

	h := sha256.New()
	size, err := io.Copy(tmp, io.TeeReader(src, h))
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("spool upload: %w", err)
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &spooledUpload{
		path:        tmp.Name(),
		sha256Hex:   hex.EncodeToString(h.Sum(nil)),
		size:        size,
		contentType: contentType,
		fileName:    fh.Filename,
	}, nil
}

func (s *spooledUpload) Open() (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open spool file: %w", err)
	}
	return f, nil
}

func (s *spooledUpload) Cleanup() {
	os.Remove(s.path)
}

// requestFingerprint summarizes the whole effective request: identity fields
// plus the file bytes. Byte-identical retries produce the same fingerprint.
func requestFingerprint(studentID, studentName, assignmentID, fileSHA string) string {
	joined := strings.Join([]string{studentID, studentName, assignmentID, fileSHA}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}
