package storage

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAttachmentStorage_SaveOpenDelete(t *testing.T) {
	store, err := NewAttachmentStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	content := []byte("attachment payload")
	path, written, err := store.Save(1, "report.pdf", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if written != int64(len(content)) {
		t.Errorf("Expected %d bytes written, got %d", len(content), written)
	}
	if !strings.HasSuffix(path, ".pdf") {
		t.Errorf("Expected blob name to keep extension, got %s", path)
	}
	if !strings.Contains(path, "account_1") {
		t.Errorf("Expected per-account directory, got %s", path)
	}

	reader, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("Round trip mismatch: %q", data)
	}

	if err := store.Delete(path); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected file to be removed")
	}

	// 重复删除幂等
	if err := store.Delete(path); err != nil {
		t.Errorf("Expected repeated delete to succeed: %v", err)
	}
}

func TestAttachmentStorage_NoTempLeftovers(t *testing.T) {
	baseDir := t.TempDir()
	store, err := NewAttachmentStorage(baseDir)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	if _, _, err := store.Save(2, "notes.txt", strings.NewReader("hello")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(baseDir, "account_2"))
	if err != nil {
		t.Fatalf("Failed to list account dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".upload-") {
			t.Errorf("Found leftover temp file %s", entry.Name())
		}
	}
}

func TestSanitizeExt(t *testing.T) {
	tests := []struct {
		filename string
		expected string
	}{
		{"report.PDF", ".pdf"},
		{"archive.tar.gz", ".gz"},
		{"no_extension", ""},
		{"trailing.", "."},
		{"weird.reallylongextension", ""},
	}

	for _, tt := range tests {
		if got := sanitizeExt(tt.filename); got != tt.expected {
			t.Errorf("sanitizeExt(%q) = %q, want %q", tt.filename, got, tt.expected)
		}
	}
}
