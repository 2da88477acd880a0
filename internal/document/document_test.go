package document

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestEncode_RoundTrip10KBText(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 1024)
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := SourceFile{Name: "notes.txt", MediaType: "text/plain", Size: int64(len(content)), Path: path}
	p, err := EncodeFile(f)
	if err != nil {
		t.Fatalf("EncodeFile: %v", err)
	}
	if p.MediaType != "text/plain" {
		t.Fatalf("media type = %q", p.MediaType)
	}
	got, err := p.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

func TestEncode_BinaryAndEmpty(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x00},
		{0xff, 0xfe, 0x00, 0x01, 0x02},
		bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 333),
	}
	for _, in := range cases {
		p, err := Encode(bytes.NewReader(in), "application/octet-stream")
		if err != nil {
			t.Fatalf("Encode(%d bytes): %v", len(in), err)
		}
		out, err := p.Decode()
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !bytes.Equal(out, in) {
			t.Fatalf("round trip mismatch for %d bytes", len(in))
		}
	}
}

func TestEncode_ReadFailure(t *testing.T) {
	_, err := Encode(failingReader{}, "text/plain")
	var re *ReadError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReadError, got %v", err)
	}
	if !strings.Contains(re.Error(), "disk on fire") {
		t.Fatalf("underlying error not preserved: %v", re)
	}
}

func TestEncodeFile_MissingFile(t *testing.T) {
	f := SourceFile{Name: "gone.pdf", MediaType: "application/pdf", Path: filepath.Join(t.TempDir(), "gone.pdf")}
	_, err := EncodeFile(f)
	var re *ReadError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReadError, got %v", err)
	}
	if re.Name != "gone.pdf" {
		t.Fatalf("ReadError name = %q", re.Name)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wrapped ErrNotExist, got %v", err)
	}
}

func TestSourceFile_Open(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.md")
	if err := os.WriteFile(path, []byte("# a"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	rc, err := SourceFile{Path: path}.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = rc.Close() }()
	b, _ := io.ReadAll(rc)
	if string(b) != "# a" {
		t.Fatalf("content = %q", b)
	}
}
