package upload

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/markdrop/internal/common"
	"github.com/jo-hoe/markdrop/internal/document"
)

// ErrTooLarge is returned when an upload exceeds the configured limit.
var ErrTooLarge = errors.New("file exceeds upload limit")

// sniffLen is how many leading bytes content sniffing looks at.
const sniffLen = 512

// Uploader handles storing uploads on disk until their session lets go of them.
type Uploader struct {
	baseDir string
}

// NewUploader creates an uploader that stores to baseDir/uploads.
func NewUploader(baseDir string) *Uploader {
	return &Uploader{baseDir: filepath.Join(baseDir, common.UploadsDirName)}
}

// Dir is the directory uploads are written to.
func (u *Uploader) Dir() string { return u.baseDir }

// Save stores an uploaded file of any type and describes it as a SourceFile.
// The media type is taken from the part header, then the file extension,
// then content sniffing. Files larger than maxBytes are rejected.
func (u *Uploader) Save(fileHeader *multipart.FileHeader, maxBytes int64) (document.SourceFile, error) {
	if fileHeader == nil {
		return document.SourceFile{}, errors.New("no file provided")
	}
	if maxBytes > 0 && fileHeader.Size > maxBytes {
		return document.SourceFile{}, tooLarge(maxBytes)
	}

	if err := os.MkdirAll(u.baseDir, 0o750); err != nil {
		return document.SourceFile{}, fmt.Errorf("ensure uploads dir: %w", err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return document.SourceFile{}, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	name := filepath.Base(fileHeader.Filename)
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = ".bin"
	}
	dstPath := filepath.Join(u.baseDir, randomHex(16)+ext)

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600) // #nosec G304 - generated name
	if err != nil {
		return document.SourceFile{}, fmt.Errorf("create upload file: %w", err)
	}

	var head headBuffer
	limit := maxBytes
	if limit <= 0 {
		limit = 1<<63 - 1
	} else {
		limit++ // one extra byte detects oversized parts whose header lied about size
	}
	n, copyErr := io.Copy(io.MultiWriter(dst, &head), io.LimitReader(src, limit))
	closeErr := dst.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(dstPath)
		return document.SourceFile{}, fmt.Errorf("copy upload: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(dstPath)
		return document.SourceFile{}, fmt.Errorf("close upload: %w", closeErr)
	case maxBytes > 0 && n > maxBytes:
		_ = os.Remove(dstPath)
		return document.SourceFile{}, tooLarge(maxBytes)
	}

	return document.SourceFile{
		Name:      name,
		MediaType: DetectMediaType(fileHeader.Header.Get("Content-Type"), name, head.bytes()),
		Size:      n,
		Path:      dstPath,
	}, nil
}

// Discard removes a stored upload. Missing files are not an error.
func (u *Uploader) Discard(f document.SourceFile) error {
	if f.Path == "" {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}

// DetectMediaType resolves the mime type forwarded with a file.
// Some clients set application/octet-stream for uploads; treat it as unknown.
func DetectMediaType(declared, filename string, head []byte) string {
	if mt := normalize(declared); mt != "" && mt != common.ContentTypeOctet {
		return mt
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if mt, ok := common.AcceptedExtensions[ext]; ok {
		return mt
	}
	if mt := normalize(mime.TypeByExtension(ext)); mt != "" {
		return mt
	}
	if len(head) > 0 {
		return normalize(http.DetectContentType(head))
	}
	return common.ContentTypeOctet
}

func normalize(mt string) string {
	mt = strings.TrimSpace(mt)
	if mt == "" {
		return ""
	}
	parsed, _, err := mime.ParseMediaType(mt)
	if err != nil {
		return ""
	}
	return parsed
}

func tooLarge(maxBytes int64) error {
	return fmt.Errorf("%w of %s", ErrTooLarge, humanize.IBytes(uint64(maxBytes))) // #nosec G115 - maxBytes is positive here
}

// headBuffer keeps the first sniffLen bytes written to it.
type headBuffer struct {
	buf []byte
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := sniffLen - len(h.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf = append(h.buf, p[:room]...)
	}
	return len(p), nil
}

func (h *headBuffer) bytes() []byte { return h.buf }

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
