package document

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

// SourceFile is a file selected by the user. It is immutable once selected.
type SourceFile struct {
	Name      string // display name as provided by the client
	MediaType string // declared mime type
	Size      int64  // size in bytes
	Path      string // location of the uploaded content on disk
}

// Open returns a reader over the file's raw content.
func (f SourceFile) Open() (io.ReadCloser, error) {
	return os.Open(f.Path) // #nosec G304 - path is generated by the uploader
}

// Payload is the transport-safe form of a SourceFile.
type Payload struct {
	Data      string // standard base64 of the full content
	MediaType string
}

// Decode returns the original bytes.
func (p Payload) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.Data)
}

// ReadError reports that a file could not be read to completion.
type ReadError struct {
	Name string
	Err  error
}

func (e *ReadError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("read file: %v", e.Err)
	}
	return fmt.Sprintf("read file %q: %v", e.Name, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Encode reads r to EOF and returns its base64 encoding together with mediaType.
func Encode(r io.Reader, mediaType string) (Payload, error) {
	var sb strings.Builder
	enc := base64.NewEncoder(base64.StdEncoding, &sb)
	if _, err := io.Copy(enc, r); err != nil {
		return Payload{}, &ReadError{Err: err}
	}
	// Close flushes the final partial block.
	if err := enc.Close(); err != nil {
		return Payload{}, &ReadError{Err: err}
	}
	return Payload{Data: sb.String(), MediaType: mediaType}, nil
}

// EncodeFile opens f and encodes its full content.
func EncodeFile(f SourceFile) (Payload, error) {
	rc, err := f.Open()
	if err != nil {
		return Payload{}, &ReadError{Name: f.Name, Err: err}
	}
	defer func() { _ = rc.Close() }()

	p, err := Encode(rc, f.MediaType)
	if err != nil {
		if re, ok := err.(*ReadError); ok {
			re.Name = f.Name
		}
		return Payload{}, err
	}
	return p, nil
}
