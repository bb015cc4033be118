package upload

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// File is an uploaded document persisted in its own temp directory.
type File struct {
	Dir      string
	Path     string
	Name     string
	MIMEType string
	Size     int64

	once sync.Once
}

func (f *File) FilePath() string { return f.Path }

// ReadAll loads the whole document into memory.
func (f *File) ReadAll() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Cleanup removes the temp directory. Only the first call has an effect.
func (f *File) Cleanup() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		if f.Dir != "" {
			_ = os.RemoveAll(f.Dir)
		}
	})
}

// SaveToTemp writes body to a fresh directory under baseDir (os.TempDir()
// when empty) whose name starts with prefix, then sniffs its MIME type.
// Nothing is left on disk when an error is returned.
func SaveToTemp(body io.Reader, fileName, baseDir, prefix string, maxBytes int64) (*File, error) {
	if prefix == "" {
		prefix = "upload"
	}
	tmpDir, err := os.MkdirTemp(baseDir, prefix+"-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}

	safeName := filepath.Base(strings.TrimSpace(fileName))
	if safeName == "" || safeName == "." || safeName == string(filepath.Separator) {
		safeName = "input.pdf"
	}
	outPath := filepath.Join(tmpDir, safeName)

	n, err := writeLimited(outPath, body, maxBytes)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, err
	}

	return &File{
		Dir:      tmpDir,
		Path:     outPath,
		Name:     safeName,
		MIMEType: sniffMIMEType(outPath),
		Size:     n,
	}, nil
}

func writeLimited(path string, body io.Reader, maxBytes int64) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	var r io.Reader = body
	if maxBytes > 0 {
		r = &io.LimitedReader{R: body, N: maxBytes + 1}
	}
	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("write: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return n, fmt.Errorf("file exceeds %dMB limit", maxBytes/(1<<20))
	}
	if n == 0 {
		return 0, fmt.Errorf("uploaded file is empty")
	}
	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("sync: %w", err)
	}
	return n, nil
}

// IsPDF reports whether the sniffed type is a PDF.
func (f *File) IsPDF() bool {
	return f.MIMEType == "application/pdf"
}

func sniffMIMEType(path string) string {
	m, err := mimetype.DetectFile(path)
	if err == nil && m != nil {
		mt := strings.ToLower(strings.TrimSpace(m.String()))
		if i := strings.Index(mt, ";"); i > 0 {
			mt = strings.TrimSpace(mt[:i])
		}
		return mt
	}

	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	if n <= 0 {
		return ""
	}
	mt := strings.ToLower(http.DetectContentType(buf[:n]))
	if i := strings.Index(mt, ";"); i > 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}
