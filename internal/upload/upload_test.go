package upload

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalPDF = "%PDF-1.4\n1 0 obj<<>>endobj\ntrailer<<>>\n%%EOF\n"

func TestSaveToTempWritesAndSniffs(t *testing.T) {
	base := t.TempDir()

	f, err := SaveToTemp(strings.NewReader(minimalPDF), "../../etc/report.pdf", base, "ocr-req1", 1<<20)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	defer f.Cleanup()

	if filepath.Dir(f.Path) != f.Dir {
		t.Fatalf("file escaped its temp dir: %s", f.Path)
	}
	if f.Name != "report.pdf" {
		t.Fatalf("unexpected name %q", f.Name)
	}
	if !strings.HasPrefix(filepath.Base(f.Dir), "ocr-req1-") {
		t.Fatalf("unexpected dir name %q", f.Dir)
	}
	if !f.IsPDF() {
		t.Fatalf("expected pdf mime type, got %q", f.MIMEType)
	}
	if f.Size != int64(len(minimalPDF)) {
		t.Fatalf("size = %d, want %d", f.Size, len(minimalPDF))
	}
	data, err := f.ReadAll()
	if err != nil || string(data) != minimalPDF {
		t.Fatalf("read back mismatch: %v", err)
	}
}

func TestSaveToTempUniquePerRequest(t *testing.T) {
	base := t.TempDir()
	a, err := SaveToTemp(strings.NewReader(minimalPDF), "same.pdf", base, "ocr", 0)
	if err != nil {
		t.Fatalf("save a: %v", err)
	}
	defer a.Cleanup()
	b, err := SaveToTemp(strings.NewReader(minimalPDF), "same.pdf", base, "ocr", 0)
	if err != nil {
		t.Fatalf("save b: %v", err)
	}
	defer b.Cleanup()

	if a.Path == b.Path {
		t.Fatalf("concurrent uploads must not share a path: %s", a.Path)
	}
}

func TestSaveToTempRejectsOversizeAndLeavesNothing(t *testing.T) {
	base := t.TempDir()
	_, err := SaveToTemp(strings.NewReader(strings.Repeat("x", 2<<20)), "big.pdf", base, "ocr", 1<<20)
	if err == nil {
		t.Fatalf("expected size error")
	}
	assertEmptyDir(t, base)
}

func TestSaveToTempRejectsEmpty(t *testing.T) {
	base := t.TempDir()
	if _, err := SaveToTemp(strings.NewReader(""), "x.pdf", base, "ocr", 0); err == nil {
		t.Fatalf("expected empty upload error")
	}
	assertEmptyDir(t, base)
}

func TestCleanupIsIdempotent(t *testing.T) {
	base := t.TempDir()
	f, err := SaveToTemp(strings.NewReader(minimalPDF), "", base, "", 0)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if f.Name != "input.pdf" {
		t.Fatalf("expected default name, got %q", f.Name)
	}

	f.Cleanup()
	f.Cleanup()

	if _, err := os.Stat(f.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected dir removed, stat err = %v", err)
	}
	assertEmptyDir(t, base)

	var nilFile *File
	nilFile.Cleanup()
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected %s to be empty, found %d entries", dir, len(entries))
	}
}
